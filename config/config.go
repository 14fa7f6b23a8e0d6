// Package config loads the raster run configuration from yaml.
package config

import (
	"math"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/w1xm/bsc_raster/raster"
	"github.com/w1xm/bsc_raster/shutter"
	"gopkg.in/yaml.v3"
)

type Device struct {
	// Port is a serial device path. If empty the controller is located by
	// SerialNumber, or the first benchtop stepper found.
	Port         string `yaml:"port"`
	SerialNumber string `yaml:"serial_number"`
	// Settings is the path of the stage settings file.
	Settings string `yaml:"settings"`
}

type Axis struct {
	Channel int `yaml:"channel"`
	// PollRate is in milliseconds.
	PollRate       int     `yaml:"poll_rate"`
	MinVelocity    float64 `yaml:"min_velocity"`
	HomingVelocity float64 `yaml:"homing_velocity"`
	FeedVelocity   float64 `yaml:"feed_velocity"`
	RapidVelocity  float64 `yaml:"rapid_velocity"`
	Acceleration   float64 `yaml:"acceleration"`
}

func (a Axis) AxisConfig() raster.AxisConfig {
	return raster.AxisConfig{
		Axis:           a.Channel,
		PollRate:       time.Duration(a.PollRate) * time.Millisecond,
		MinVelocity:    a.MinVelocity,
		HomingVelocity: a.HomingVelocity,
		FeedVelocity:   a.FeedVelocity,
		RapidVelocity:  a.RapidVelocity,
		Acceleration:   a.Acceleration,
	}
}

type Raster struct {
	Direction       string  `yaml:"direction"`
	StartA          float64 `yaml:"start_a"`
	StartB          float64 `yaml:"start_b"`
	PathLength      float64 `yaml:"path_length"`
	TotalStepLength float64 `yaml:"total_step_length"`
	StepCount       int     `yaml:"step_count"`
}

func (r Raster) Spec() (raster.Spec, error) {
	dir, err := raster.ParseDirection(r.Direction)
	if err != nil {
		return raster.Spec{}, err
	}
	return raster.Spec{
		Direction:       dir,
		StartA:          r.StartA,
		StartB:          r.StartB,
		PathLength:      r.PathLength,
		TotalStepLength: r.TotalStepLength,
		StepCount:       r.StepCount,
	}, nil
}

type Shutter struct {
	Port    string `yaml:"port"`
	Baud    int    `yaml:"baud"`
	SlaveId byte   `yaml:"slave_id"`
	Coil    int    `yaml:"coil"`
}

func (s *Shutter) Config() shutter.Config {
	return shutter.Config{
		Port:     s.Port,
		BaudRate: s.Baud,
		SlaveId:  s.SlaveId,
		Coil:     s.Coil,
	}
}

type Config struct {
	Device Device `yaml:"device"`
	Axes   struct {
		A Axis `yaml:"a"`
		B Axis `yaml:"b"`
	} `yaml:"axes"`
	Raster    Raster  `yaml:"raster"`
	TravelMax float64 `yaml:"travel_max"`
	// WaitTimeout bounds each move, e.g. "2m".
	WaitTimeout time.Duration `yaml:"wait_timeout"`
	// ReturnDelay pauses before the rapid return to the start position.
	ReturnDelay time.Duration `yaml:"return_delay"`
	// Shutter is optional.
	Shutter *Shutter `yaml:"shutter"`
}

func defaultAxis(channel int) Axis {
	return Axis{
		Channel:        channel,
		PollRate:       200,
		MinVelocity:    0,
		HomingVelocity: 1,
		FeedVelocity:   2,
		RapidVelocity:  30,
		Acceleration:   30,
	}
}

// Default returns the configuration used for keys missing from the file.
func Default() *Config {
	c := &Config{
		TravelMax:   raster.DefaultTravelMax,
		WaitTimeout: raster.DefaultWaitTimeout,
		ReturnDelay: 2 * time.Second,
		Raster:      Raster{Direction: "a"},
	}
	c.Axes.A = defaultAxis(1)
	c.Axes.B = defaultAxis(2)
	return c
}

func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return c, nil
}

// Validate checks the parts of the configuration not covered by raster
// planning. Raster bounds are left to the planner.
func (c *Config) Validate() error {
	for name, a := range map[string]Axis{"a": c.Axes.A, "b": c.Axes.B} {
		if a.Channel < 1 || a.Channel > 15 {
			return errors.Errorf("axis %s: channel must be in [1, 15], got %d", name, a.Channel)
		}
		if a.PollRate <= 0 {
			return errors.Errorf("axis %s: poll_rate must be positive, got %d", name, a.PollRate)
		}
		if !positive(a.FeedVelocity) || !positive(a.RapidVelocity) || !positive(a.HomingVelocity) {
			return errors.Errorf("axis %s: velocities must be positive", name)
		}
		if !(a.MinVelocity >= 0 && !math.IsInf(a.MinVelocity, 1)) {
			return errors.Errorf("axis %s: min_velocity must not be negative", name)
		}
		if !positive(a.Acceleration) {
			return errors.Errorf("axis %s: acceleration must be positive", name)
		}
	}
	if c.Axes.A.Channel == c.Axes.B.Channel {
		return errors.Errorf("axes a and b share channel %d", c.Axes.A.Channel)
	}
	if !positive(c.TravelMax) {
		return errors.Errorf("travel_max must be positive, got %v", c.TravelMax)
	}
	if c.WaitTimeout <= 0 {
		return errors.Errorf("wait_timeout must be positive, got %v", c.WaitTimeout)
	}
	if c.Device.Settings == "" {
		return errors.New("device.settings is required")
	}
	if c.Shutter != nil && c.Shutter.Port == "" {
		return errors.New("shutter.port is required when shutter is configured")
	}
	return nil
}

// positive is false for NaN and infinities as well as for v <= 0.
func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}
