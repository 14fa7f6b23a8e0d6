package raster

import (
	"fmt"
	"time"
)

// SettingsLoadError is fatal: no unit conversion is meaningful without
// the axis settings.
type SettingsLoadError struct {
	Axis int
	Err  error
}

func (e *SettingsLoadError) Error() string {
	return fmt.Sprintf("axis %d: loading settings: %v", e.Axis, e.Err)
}

func (e *SettingsLoadError) Unwrap() error { return e.Err }

// ConfigError reports a failed configuration step other than settings load.
type ConfigError struct {
	Axis  int
	Stage string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("axis %d: %s: %v", e.Axis, e.Stage, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// BoundsError carries the computed extent that left the travel envelope.
type BoundsError struct {
	Axis int
	// Role is "path" or "step".
	Role  string
	Value float64
	Max   float64
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("raster %s axis %d out of bounds: %v not in [0, %v]", e.Role, e.Axis, e.Value, e.Max)
}

type InvalidStepCountError struct {
	Count int
}

func (e *InvalidStepCountError) Error() string {
	return fmt.Sprintf("step count must be positive, got %d", e.Count)
}

type InvalidDirectionError struct {
	Direction string
}

func (e *InvalidDirectionError) Error() string {
	return fmt.Sprintf("invalid raster direction %q", e.Direction)
}

type NotHomedError struct {
	Axis int
}

func (e *NotHomedError) Error() string {
	return fmt.Sprintf("axis %d must be homed before rastering", e.Axis)
}

// TimeoutError is returned when no matching completion arrives in time.
type TimeoutError struct {
	Axis  int
	ID    int
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("axis %d: no completion %d after %v", e.Axis, e.ID, e.After)
}

type Kind int

const (
	Fault Kind = iota
	Timeout
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Fault:
		return "fault"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Stages of a raster, as reported by ExecutionError.
const (
	StagePrecheck = "precheck"
	StageApproach = "approach"
	StageFeed     = "feed"
	StageSweep    = "sweep"
	StageReturn   = "return"
)

// ExecutionError aborts a raster after motion has started. The axes are
// left where they stopped.
type ExecutionError struct {
	Kind  Kind
	Stage string
	Axis  int
	// Step is the sweep index, or -1 outside the sweep loop.
	Step int
	Err  error
}

func (e *ExecutionError) Error() string {
	if e.Step >= 0 {
		return fmt.Sprintf("raster %s during %s on axis %d at sweep %d: %v", e.Kind, e.Stage, e.Axis, e.Step, e.Err)
	}
	return fmt.Sprintf("raster %s during %s on axis %d: %v", e.Kind, e.Stage, e.Axis, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
