package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/w1xm/bsc_raster/metrics"
	"github.com/w1xm/bsc_raster/shutter"
	"github.com/w1xm/bsc_raster/stage"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	s := NewServer("run-1")
	reg := prometheus.NewRegistry()
	metrics.NewPrometheusRecorder(reg).IncMove(1, "home")
	ts := httptest.NewServer(s.Router(reg))
	t.Cleanup(ts.Close)
	return s, ts
}

func TestStatusHandler(t *testing.T) {
	s, ts := newTestServer(t)
	s.stageCallback(stage.Status{Axis: 1, Position: 500, Homed: true})
	s.shutterCallback(shutter.Status{Coil: 1, Open: true, Commanded: true})
	s.setState(StateRastering, nil)

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var status Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "run-1", status.Run.ID)
	assert.Equal(t, StateRastering, status.Run.State)
	assert.Equal(t, int32(500), status.Axes[1].Position)
	assert.True(t, status.Axes[1].Homed)
	require.NotNil(t, status.Shutter)
	assert.True(t, status.Shutter.Open)
}

func TestMetricsHandler(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), `stage_moves_total{axis="1",kind="home"} 1`)
}

func readStatus(t *testing.T, conn *websocket.Conn) Status {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var status Status
	require.NoError(t, conn.ReadJSON(&status))
	return status
}

func TestStatusSocket(t *testing.T) {
	s, ts := newTestServer(t)
	stopped := make(chan struct{})
	s.SetStop(func() { close(stopped) })

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	status := readStatus(t, conn)
	assert.Equal(t, StateConnecting, status.Run.State)

	s.stageCallback(stage.Status{Axis: 2, Position: 42})
	for {
		status = readStatus(t, conn)
		if _, ok := status.Axes[2]; ok {
			break
		}
	}
	assert.Equal(t, int32(42), status.Axes[2].Position)

	require.NoError(t, conn.WriteJSON(Command{Command: "stop"}))
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("stop command not delivered")
	}
}
