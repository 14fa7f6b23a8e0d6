package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewPrometheusRecorder(reg)

	r.IncMove(1, "relative")
	r.IncMove(1, "relative")
	r.IncMove(2, "absolute")
	r.ObserveWait(1, 1, "ok", 20*time.Millisecond)
	r.ObserveRaster("ok", 3*time.Second)
	r.ObserveRaster("timeout", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.movesTotal.WithLabelValues("1", "relative")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.movesTotal.WithLabelValues("2", "absolute")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.rastersTotal.WithLabelValues("timeout")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.waitDuration))

	n, err := testutil.GatherAndCount(reg, "raster_duration_seconds")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNoopRecorder(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.IncMove(1, "home")
	r.ObserveWait(1, 0, "ok", time.Second)
	r.ObserveRaster("ok", time.Second)
}
