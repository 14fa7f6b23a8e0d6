package raster

import (
	"github.com/w1xm/bsc_raster/stage"
)

// DefaultTravelMax is the travel envelope of each axis, in mm.
const DefaultTravelMax = 100

// Planner resolves a Spec into device units.
type Planner struct {
	Converter stage.Converter
	// TravelMax defaults to DefaultTravelMax.
	TravelMax float64
}

func (p *Planner) travelMax() float64 {
	if p.TravelMax <= 0 {
		return DefaultTravelMax
	}
	return p.TravelMax
}

type resolved struct {
	path, step           AxisConfig
	pathStart, stepStart float64
	stepLength           float64
}

// Check validates spec against the travel envelope without converting
// anything, so it can run before the controller is connected.
func (p *Planner) Check(spec Spec, a, b AxisConfig) error {
	_, err := p.resolve(spec, a, b)
	return err
}

func (p *Planner) resolve(spec Spec, a, b AxisConfig) (resolved, error) {
	var r resolved
	if spec.StepCount <= 0 {
		return r, &InvalidStepCountError{Count: spec.StepCount}
	}
	switch spec.Direction {
	case PathA:
		r.path, r.step = a, b
		r.pathStart, r.stepStart = spec.StartA, spec.StartB
	case PathB:
		r.path, r.step = b, a
		r.pathStart, r.stepStart = spec.StartB, spec.StartA
	default:
		return r, &InvalidDirectionError{Direction: spec.Direction.String()}
	}

	max := p.travelMax()
	r.stepLength = spec.StepLength()
	// NaN fails every comparison, so the envelope test is written positively.
	if extent := r.pathStart + spec.PathLength; !(extent >= 0 && extent <= max) {
		return r, &BoundsError{Axis: r.path.Axis, Role: "path", Value: extent, Max: max}
	}
	if extent := r.stepStart + r.stepLength*float64(spec.StepCount); !(extent >= 0 && extent <= max) {
		return r, &BoundsError{Axis: r.step.Axis, Role: "step", Value: extent, Max: max}
	}
	return r, nil
}

// Plan validates spec against the travel envelope and converts it to
// device units. Bounds are checked in real units before any conversion,
// so a rejected spec never touches the controller.
func (p *Planner) Plan(spec Spec, a, b AxisConfig) (*Plan, error) {
	r, err := p.resolve(spec, a, b)
	if err != nil {
		return nil, err
	}
	path, step := r.path, r.step
	pathStart, stepStart, stepLength := r.pathStart, r.stepStart, r.stepLength

	plan := &Plan{
		PathAxis:  path.Axis,
		StepAxis:  step.Axis,
		StepCount: spec.StepCount,
	}
	for _, conv := range []struct {
		dest  *int32
		axis  int
		value float64
		kind  stage.UnitKind
	}{
		{&plan.PathStart, path.Axis, pathStart, stage.Distance},
		{&plan.StepStart, step.Axis, stepStart, stage.Distance},
		{&plan.PathFeedVelocity, path.Axis, path.FeedVelocity, stage.Velocity},
		{&plan.StepFeedVelocity, step.Axis, step.FeedVelocity, stage.Velocity},
		{&plan.PathRapidVelocity, path.Axis, path.RapidVelocity, stage.Velocity},
		{&plan.StepRapidVelocity, step.Axis, step.RapidVelocity, stage.Velocity},
		{&plan.PathAcceleration, path.Axis, path.Acceleration, stage.Acceleration},
		{&plan.StepAcceleration, step.Axis, step.Acceleration, stage.Acceleration},
		{&plan.PathLength, path.Axis, spec.PathLength, stage.Distance},
		{&plan.StepLength, step.Axis, stepLength, stage.Distance},
	} {
		v, err := p.Converter.DeviceUnit(conv.axis, conv.value, conv.kind)
		if err != nil {
			return nil, &ConfigError{Axis: conv.axis, Stage: "converting " + conv.kind.String(), Err: err}
		}
		*conv.dest = v
	}
	return plan, nil
}
