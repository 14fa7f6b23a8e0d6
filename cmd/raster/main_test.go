package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/w1xm/bsc_raster/kinesis"
	"github.com/w1xm/bsc_raster/raster"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{&raster.BoundsError{Axis: 1, Role: "path", Value: -5, Max: 100}, exitInvalid},
		{&raster.InvalidStepCountError{Count: 0}, exitInvalid},
		{&raster.InvalidDirectionError{Direction: "z"}, exitInvalid},
		{&raster.NotHomedError{Axis: 2}, exitExecution},
		{&raster.ExecutionError{Kind: raster.Cancelled, Stage: raster.StageSweep, Err: context.Canceled}, exitExecution},
		{&raster.SettingsLoadError{Axis: 1, Err: errors.New("missing")}, exitFatal},
		{&raster.ConfigError{Axis: 1, Stage: "homing", Err: errors.New("stuck")}, exitFatal},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, exitCode(test.err), "%v", test.err)
	}
}

type fakePoller struct {
	stopped []int
}

func (p *fakePoller) StopPolling(axis int) {
	p.stopped = append(p.stopped, axis)
}

func TestStopPolling(t *testing.T) {
	p := &fakePoller{}
	stopPolling(p, 2, 1)
	assert.Equal(t, []int{2, 1}, p.stopped)
}

func TestPickDevice(t *testing.T) {
	devices := []kinesis.Device{
		{Serial: "40123456", Port: "/dev/a"},
		{Serial: "70123456", Port: "/dev/b"},
		{Serial: "70999999", Port: "/dev/c"},
	}

	d, err := pickDevice(devices, "")
	require.NoError(t, err)
	assert.Equal(t, "/dev/b", d.Port)

	d, err = pickDevice(devices, "70999999")
	require.NoError(t, err)
	assert.Equal(t, "/dev/c", d.Port)

	_, err = pickDevice(devices, "70000000")
	assert.Error(t, err)

	_, err = pickDevice(devices[:1], "")
	assert.Error(t, err)
}
