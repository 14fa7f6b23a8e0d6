package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/w1xm/bsc_raster/raster"
)

const testConfig = `
device:
  serial_number: "70123456"
  settings: stages.yaml
axes:
  a:
    channel: 1
    feed_velocity: 1.5
  b:
    channel: 3
    poll_rate: 100
    rapid_velocity: 10
raster:
  direction: y
  start_a: 10
  start_b: 20
  path_length: -5
  total_step_length: 2
  step_count: 4
wait_timeout: 90s
shutter:
  port: /dev/ttyUSB1
  slave_id: 2
  coil: 1
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(testConfig))
	require.NoError(t, err)

	assert.Equal(t, "70123456", c.Device.SerialNumber)
	assert.Equal(t, 90*time.Second, c.WaitTimeout)
	assert.Equal(t, 2*time.Second, c.ReturnDelay)
	assert.Equal(t, float64(raster.DefaultTravelMax), c.TravelMax)

	wantA := raster.AxisConfig{
		Axis:           1,
		PollRate:       200 * time.Millisecond,
		HomingVelocity: 1,
		FeedVelocity:   1.5,
		RapidVelocity:  30,
		Acceleration:   30,
	}
	if diff := cmp.Diff(c.Axes.A.AxisConfig(), wantA); diff != "" {
		t.Errorf("unexpected axis a: got(-)/want(+):\n%s", diff)
	}
	wantB := raster.AxisConfig{
		Axis:           3,
		PollRate:       100 * time.Millisecond,
		HomingVelocity: 1,
		FeedVelocity:   2,
		RapidVelocity:  10,
		Acceleration:   30,
	}
	if diff := cmp.Diff(c.Axes.B.AxisConfig(), wantB); diff != "" {
		t.Errorf("unexpected axis b: got(-)/want(+):\n%s", diff)
	}

	spec, err := c.Raster.Spec()
	require.NoError(t, err)
	want := raster.Spec{Direction: raster.PathB, StartA: 10, StartB: 20, PathLength: -5, TotalStepLength: 2, StepCount: 4}
	if diff := cmp.Diff(spec, want); diff != "" {
		t.Errorf("unexpected raster: got(-)/want(+):\n%s", diff)
	}

	require.NotNil(t, c.Shutter)
	sc := c.Shutter.Config()
	assert.Equal(t, "/dev/ttyUSB1", sc.Port)
	assert.Equal(t, byte(2), sc.SlaveId)
	assert.Equal(t, 1, sc.Coil)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing settings", "axes: {a: {channel: 1}, b: {channel: 2}}"},
		{"shared channel", "device: {settings: s.yaml}\naxes: {a: {channel: 2}, b: {channel: 2}}"},
		{"bad channel", "device: {settings: s.yaml}\naxes: {a: {channel: 16}}"},
		{"zero feed", "device: {settings: s.yaml}\naxes: {a: {feed_velocity: 0}}"},
		{"negative travel", "device: {settings: s.yaml}\ntravel_max: -1"},
		{"nan travel", "device: {settings: s.yaml}\ntravel_max: .nan"},
		{"infinite rapid", "device: {settings: s.yaml}\naxes: {b: {rapid_velocity: .inf}}"},
		{"nan acceleration", "device: {settings: s.yaml}\naxes: {a: {acceleration: .nan}}"},
		{"shutter without port", "device: {settings: s.yaml}\nshutter: {coil: 1}"},
		{"not yaml", "device: ["},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse([]byte(test.yaml))
			assert.Error(t, err)
		})
	}
}

func TestRasterSpecInvalidDirection(t *testing.T) {
	_, err := Raster{Direction: "z", StepCount: 1}.Spec()
	var dirErr *raster.InvalidDirectionError
	assert.ErrorAs(t, err, &dirErr)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Axes.B.Channel)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
