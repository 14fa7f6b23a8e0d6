package kinesis

import (
	"math"
	"os"

	"github.com/pkg/errors"
	"github.com/w1xm/bsc_raster/stage"
	"gopkg.in/yaml.v3"
)

// BSC20x controllers scale velocity and acceleration by fixed factors
// relative to microsteps.
const (
	DefaultVelocityScale     = 53.68
	DefaultAccelerationScale = 1 / 90.9
)

// StageSettings describes the stage attached to one channel.
type StageSettings struct {
	Name string `yaml:"name"`
	// StepsPerUnit is microsteps per mm (or per degree for rotation stages).
	StepsPerUnit float64 `yaml:"steps_per_unit"`
	// TravelMax is in real units. Zero means unknown.
	TravelMax      float64 `yaml:"travel_max"`
	HomingRequired bool    `yaml:"homing_required"`
	// HomeOffset is the distance from the limit switch to zero, in real units.
	HomeOffset float64 `yaml:"home_offset"`

	VelocityScale     float64 `yaml:"velocity_scale"`
	AccelerationScale float64 `yaml:"acceleration_scale"`
}

func (s StageSettings) validate() error {
	if s.StepsPerUnit <= 0 {
		return errors.Errorf("stage %q: steps_per_unit must be positive, got %v", s.Name, s.StepsPerUnit)
	}
	if s.TravelMax < 0 {
		return errors.Errorf("stage %q: travel_max must not be negative, got %v", s.Name, s.TravelMax)
	}
	return nil
}

// DeviceUnit converts a real-world value to device units.
func (s StageSettings) DeviceUnit(value float64, kind stage.UnitKind) (int32, error) {
	var v float64
	switch kind {
	case stage.Distance:
		v = value * s.StepsPerUnit
	case stage.Velocity:
		scale := s.VelocityScale
		if scale == 0 {
			scale = DefaultVelocityScale
		}
		v = value * s.StepsPerUnit * scale
	case stage.Acceleration:
		scale := s.AccelerationScale
		if scale == 0 {
			scale = DefaultAccelerationScale
		}
		v = value * s.StepsPerUnit * scale
	default:
		return 0, errors.Errorf("unknown unit kind %d", kind)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.Errorf("%s %v is not finite", kind, value)
	}
	v = math.Round(v)
	if v > math.MaxInt32 || v < math.MinInt32 {
		return 0, errors.Errorf("%s %v out of device range", kind, value)
	}
	return int32(v), nil
}

// SettingsStore holds the persisted settings for each channel.
type SettingsStore interface {
	Load(channel int) (StageSettings, error)
}

// Settings is an in-memory SettingsStore keyed by channel.
type Settings map[int]StageSettings

func (s Settings) Load(channel int) (StageSettings, error) {
	st, ok := s[channel]
	if !ok {
		return StageSettings{}, errors.Errorf("no settings for channel %d", channel)
	}
	if err := st.validate(); err != nil {
		return StageSettings{}, err
	}
	return st, nil
}

type settingsFile struct {
	Stages Settings `yaml:"stages"`
}

func ParseSettings(data []byte) (Settings, error) {
	var f settingsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parsing stage settings")
	}
	if len(f.Stages) == 0 {
		return nil, errors.New("no stages defined")
	}
	return f.Stages, nil
}

// LoadSettingsFile reads a yaml file of the form
//
//	stages:
//	  1: {name: LNR50S, steps_per_unit: 409600, travel_max: 50, homing_required: true}
func LoadSettingsFile(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := ParseSettings(data)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return s, nil
}
