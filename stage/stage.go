package stage

import (
	"context"
	"errors"
	"time"
)

// UnitKind selects the conversion used by Converter.DeviceUnit.
type UnitKind int

const (
	Distance     UnitKind = 0
	Velocity     UnitKind = 1
	Acceleration UnitKind = 2
)

func (k UnitKind) String() string {
	switch k {
	case Distance:
		return "distance"
	case Velocity:
		return "velocity"
	case Acceleration:
		return "acceleration"
	}
	return "unknown"
}

// Message types and ids reported by a controller. Only
// (MoveCompleteType, id) pairs complete a move or homing wait.
const (
	GenericDeviceType = 0
	MoveCompleteType  = 2

	// GenericDeviceType ids
	StatusUpdatedID = 1
	DeviceErrorID   = 2

	// MoveCompleteType ids
	HomingCompleteID = 0
	MoveCompleteID   = 1
	MoveStoppedID    = 2
)

// Message is a status or completion notification emitted for one axis.
type Message struct {
	Type  int
	ID    int
	Extra uint32
}

// ErrSettingsNotLoaded is returned by DeviceUnit when the axis settings
// have not been loaded yet. Without them every conversion would be zero.
var ErrSettingsNotLoaded = errors.New("axis settings not loaded")

type Converter interface {
	// DeviceUnit converts a real-world value (mm, mm/s, mm/s²) into
	// device units for the given axis.
	DeviceUnit(axis int, value float64, kind UnitKind) (int32, error)
}

type Messenger interface {
	ClearMessageQueue(axis int)
	// WaitForMessage blocks until the next message for axis is available.
	WaitForMessage(ctx context.Context, axis int) (Message, error)
}

type Mover interface {
	CanMoveWithoutHoming(ctx context.Context, axis int) (bool, error)
	Home(axis int) error
	SetHomingVelocity(axis int, velocity int32) error
	SetVelocityParams(axis int, min, max, accel int32) error
	MoveToPosition(axis int, position int32) error
	MoveRelative(axis int, distance int32) error
}

// Controller is a multi-axis stepper controller.
type Controller interface {
	Converter
	Messenger
	Mover
	StartPolling(axis int, rate time.Duration) error
	LoadSettings(axis int) error
}

// Stopper is implemented by controllers that can halt an axis mid-move.
type Stopper interface {
	StopImmediate(axis int) error
}

type StatusCallback func(status Status)

// Status is the last polled state of one axis.
type Status struct {
	Axis int `json:"axis"`

	// Position is in device units.
	Position     int32  `json:"position"`
	EncoderCount int32  `json:"encoder_count"`
	StatusBits   uint32 `json:"status_bits"`

	// These are flags decoded from StatusBits.
	LimitCW  bool `json:"limit_cw"`
	LimitCCW bool `json:"limit_ccw"`
	Moving   bool `json:"moving"`
	Homing   bool `json:"homing"`
	Homed    bool `json:"homed"`

	Updated time.Time `json:"updated"`
}
