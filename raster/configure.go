package raster

import (
	"context"
	"log"

	"github.com/w1xm/bsc_raster/metrics"
	"github.com/w1xm/bsc_raster/stage"
)

// Configurator prepares each axis: polling, settings, velocity profile
// and homing.
type Configurator struct {
	Controller stage.Controller
	Sync       *Synchronizer
	Recorder   metrics.Recorder
}

func NewConfigurator(c stage.Controller, sync *Synchronizer) *Configurator {
	return &Configurator{Controller: c, Sync: sync, Recorder: sync.Recorder}
}

// Configure blocks while the axis homes, if it needs to.
func (c *Configurator) Configure(ctx context.Context, axis AxisConfig) error {
	ctrl := c.Controller
	id := axis.Axis
	if err := ctrl.StartPolling(id, axis.PollRate); err != nil {
		return &ConfigError{Axis: id, Stage: "start polling", Err: err}
	}
	if err := ctrl.LoadSettings(id); err != nil {
		return &SettingsLoadError{Axis: id, Err: err}
	}

	// Conversions are only valid once settings are loaded.
	var homingVelocity, minVelocity, maxVelocity, acceleration int32
	for _, conv := range []struct {
		dest  *int32
		value float64
		kind  stage.UnitKind
		name  string
	}{
		{&homingVelocity, axis.HomingVelocity, stage.Velocity, "homing velocity"},
		{&minVelocity, axis.MinVelocity, stage.Velocity, "min velocity"},
		{&maxVelocity, axis.FeedVelocity, stage.Velocity, "feed velocity"},
		{&acceleration, axis.Acceleration, stage.Acceleration, "acceleration"},
	} {
		v, err := ctrl.DeviceUnit(id, conv.value, conv.kind)
		if err != nil {
			return &ConfigError{Axis: id, Stage: "converting " + conv.name, Err: err}
		}
		*conv.dest = v
	}

	if err := ctrl.SetHomingVelocity(id, homingVelocity); err != nil {
		return &ConfigError{Axis: id, Stage: "setting homing velocity", Err: err}
	}
	if err := ctrl.SetVelocityParams(id, minVelocity, maxVelocity, acceleration); err != nil {
		return &ConfigError{Axis: id, Stage: "setting velocity params", Err: err}
	}

	ok, err := ctrl.CanMoveWithoutHoming(ctx, id)
	if err != nil {
		return &ConfigError{Axis: id, Stage: "checking homed", Err: err}
	}
	if ok {
		return nil
	}
	log.Printf("axis %d: homing", id)
	orNoop(c.Recorder).IncMove(id, "home")
	if err := c.Sync.Do(ctx, id, stage.HomingCompleteID, func() error {
		return ctrl.Home(id)
	}); err != nil {
		return &ConfigError{Axis: id, Stage: "homing", Err: err}
	}
	log.Printf("axis %d: successfully homed", id)
	return nil
}

// ConfigureAll configures axes in order, stopping at the first failure.
func (c *Configurator) ConfigureAll(ctx context.Context, axes ...AxisConfig) error {
	for _, axis := range axes {
		if err := c.Configure(ctx, axis); err != nil {
			return err
		}
	}
	return nil
}
