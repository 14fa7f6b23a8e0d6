// Package raster homes a pair of stepper axes and drives them through a
// two-dimensional raster scan: sweeps along a path axis alternating with
// step advances along the perpendicular axis.
package raster

import (
	"strings"
	"time"
)

// AxisConfig is the motion profile of one axis. Positions are in mm,
// velocities in mm/s and acceleration in mm/s².
type AxisConfig struct {
	Axis           int
	PollRate       time.Duration
	MinVelocity    float64
	HomingVelocity float64
	FeedVelocity   float64
	RapidVelocity  float64
	Acceleration   float64
}

type Direction int

const (
	// PathA sweeps along axis A and steps along axis B.
	PathA Direction = iota
	// PathB sweeps along axis B and steps along axis A.
	PathB
)

func (d Direction) String() string {
	switch d {
	case PathA:
		return "a"
	case PathB:
		return "b"
	}
	return "invalid"
}

// ParseDirection accepts "a"/"x" and "b"/"y".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "a", "x":
		return PathA, nil
	case "b", "y":
		return PathB, nil
	}
	return 0, &InvalidDirectionError{Direction: s}
}

// Spec describes a raster in real-world units. Negative lengths travel
// toward the home position.
type Spec struct {
	Direction       Direction
	StartA          float64
	StartB          float64
	PathLength      float64
	TotalStepLength float64
	StepCount       int
}

// StepLength is the advance of the step axis between sweeps.
func (s Spec) StepLength() float64 {
	return s.TotalStepLength / float64(s.StepCount)
}

// Plan is a validated raster in device units.
type Plan struct {
	PathAxis int
	StepAxis int

	PathStart  int32
	StepStart  int32
	PathLength int32
	StepLength int32
	StepCount  int

	PathFeedVelocity  int32
	PathRapidVelocity int32
	StepFeedVelocity  int32
	StepRapidVelocity int32
	PathAcceleration  int32
	StepAcceleration  int32
}
