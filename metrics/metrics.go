// Package metrics records motion and raster metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives motion events from the raster sequence.
type Recorder interface {
	// ObserveWait records a completion wait. result is "ok", "timeout" or "error".
	ObserveWait(axis, id int, result string, d time.Duration)
	// IncMove counts a move command. kind is "absolute", "relative" or "home".
	IncMove(axis int, kind string)
	// ObserveRaster records a finished raster. result is "ok" or an error kind.
	ObserveRaster(result string, d time.Duration)
}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	movesTotal     *prometheus.CounterVec
	waitDuration   *prometheus.HistogramVec
	rastersTotal   *prometheus.CounterVec
	rasterDuration prometheus.Histogram
}

// NewPrometheusRecorder registers the raster metrics with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	f := promauto.With(reg)
	return &PrometheusRecorder{
		movesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stage_moves_total",
				Help: "Total number of move commands issued by axis and kind",
			},
			[]string{"axis", "kind"},
		),
		waitDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stage_wait_duration_seconds",
				Help:    "Time spent waiting for move and homing completions",
				Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"axis", "message_id", "result"},
		),
		rastersTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rasters_total",
				Help: "Total number of rasters by result",
			},
			[]string{"result"},
		),
		rasterDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "raster_duration_seconds",
				Help:    "Duration of rasters in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
	}
}

func (p *PrometheusRecorder) ObserveWait(axis, id int, result string, d time.Duration) {
	p.waitDuration.WithLabelValues(strconv.Itoa(axis), strconv.Itoa(id), result).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncMove(axis int, kind string) {
	p.movesTotal.WithLabelValues(strconv.Itoa(axis), kind).Inc()
}

func (p *PrometheusRecorder) ObserveRaster(result string, d time.Duration) {
	p.rastersTotal.WithLabelValues(result).Inc()
	p.rasterDuration.Observe(d.Seconds())
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

func (NoopRecorder) ObserveWait(int, int, string, time.Duration) {}
func (NoopRecorder) IncMove(int, string) {}
func (NoopRecorder) ObserveRaster(string, time.Duration) {}
