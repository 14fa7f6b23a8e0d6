package simulator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"sync"
	"time"

	"github.com/w1xm/bsc_raster/kinesis/internal/apt"
	"golang.org/x/sync/errgroup"
)

const (
	// BSC20x velocity scale from device units to microsteps/second.
	velocityScale = 53.68
	// Used when no velocity parameters have been sent.
	defaultVelocity = 20000
	// Discrete simulation step size
	stepSize = 5 * time.Millisecond
)

type mode int

const (
	idle mode = iota
	moving
	homing
)

type axis struct {
	enabled bool
	mode    mode
	stalled bool
	homed   bool

	// In microsteps.
	position float64
	target   float64

	// In microsteps/second.
	velocity       float64
	homingVelocity float64
}

func (a *axis) status() apt.StatusUpdate {
	var bits uint32
	switch {
	case a.mode == idle:
	case a.target > a.position:
		bits |= apt.StatusMovingCW
	case a.target < a.position:
		bits |= apt.StatusMovingCCW
	}
	if a.mode == homing {
		bits |= apt.StatusHoming
	}
	if a.homed {
		bits |= apt.StatusHomed
	}
	pos := int32(math.Round(a.position))
	return apt.StatusUpdate{Channel: apt.ChanIdent, Position: pos, Encoder: pos, Bits: bits}
}

// Simulator emulates a benchtop stepper controller on one end of a pipe.
type Simulator struct {
	conn io.ReadWriteCloser
	out  chan apt.Frame

	mu   sync.Mutex
	axes map[int]*axis
	// Speedup multiplies simulated motion speed.
	Speedup float64
}

// New returns a simulator with channels bays and the connection the
// controller should use.
func New(channels int) (*Simulator, net.Conn) {
	a, b := net.Pipe()
	s := &Simulator{
		conn:    a,
		out:     make(chan apt.Frame, 256),
		axes:    make(map[int]*axis),
		Speedup: 1,
	}
	for i := 1; i <= channels; i++ {
		s.axes[i] = &axis{}
	}
	return s, b
}

// SetHomed marks an axis as homed or unhomed at its current position.
func (s *Simulator) SetHomed(channel int, homed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.axes[channel]; ok {
		a.homed = homed
	}
}

// Stall makes moves on the axis never complete, as a jammed stage would.
func (s *Simulator) Stall(channel int, stalled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.axes[channel]; ok {
		a.stalled = stalled
	}
}

// Position returns the axis position in microsteps.
func (s *Simulator) Position(channel int) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.axes[channel]; ok {
		return int32(math.Round(a.position))
	}
	return 0
}

func (s *Simulator) Run(ctx context.Context) error {
	t := time.NewTicker(stepSize)
	defer t.Stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return s.conn.Close()
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
			s.step(stepSize.Seconds())
		}
	})
	g.Go(s.reader)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case f := <-s.out:
				if err := apt.WriteFrame(s.conn, f); err != nil {
					return err
				}
			}
		}
	})
	return g.Wait()
}

func (s *Simulator) reader() error {
	br := bufio.NewReader(s.conn)
	for {
		f, err := apt.ReadFrame(br)
		if err != nil {
			return fmt.Errorf("reading port: %w", err)
		}
		if err := s.handle(f); err != nil {
			log.Printf("sim: message 0x%04x: %v", f.ID, err)
		}
	}
}

func (s *Simulator) send(f apt.Frame) {
	select {
	case s.out <- f:
	default:
		log.Printf("sim: output full; dropping message 0x%04x", f.ID)
	}
}

func (s *Simulator) handle(f apt.Frame) error {
	if f.ID == apt.HWNoFlashProgramming {
		return nil
	}
	channel := apt.Channel(f.Dest)
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.axes[channel]
	if !ok {
		s.send(apt.Short(apt.HWResponse, apt.Host, f.Dest, 0x01, 0))
		return fmt.Errorf("no bay at 0x%02x", f.Dest)
	}
	switch f.ID {
	case apt.ModSetChanEnableState:
		a.enabled = f.Param2 == apt.ChanEnabled
	case apt.MotSetVelParams:
		fields, err := f.Fields()
		if err != nil {
			return err
		}
		if len(fields) < 3 {
			return fmt.Errorf("short velocity params")
		}
		a.velocity = float64(fields[2]) / velocityScale
	case apt.MotSetHomeParams:
		fields, err := f.Fields()
		if err != nil {
			return err
		}
		if len(fields) < 2 {
			return fmt.Errorf("short homing params")
		}
		a.homingVelocity = float64(fields[1]) / velocityScale
	case apt.MotMoveHome:
		a.mode = homing
		a.homed = false
		a.target = 0
	case apt.MotMoveRelative, apt.MotMoveAbsolute:
		fields, err := f.Fields()
		if err != nil {
			return err
		}
		if len(fields) < 1 {
			return fmt.Errorf("missing distance")
		}
		if !a.enabled {
			s.send(apt.Short(apt.HWResponse, apt.Host, f.Dest, 0x02, 0))
			return fmt.Errorf("channel %d disabled", channel)
		}
		a.mode = moving
		if f.ID == apt.MotMoveRelative {
			a.target = a.position + float64(fields[0])
		} else {
			a.target = float64(fields[0])
		}
	case apt.MotMoveStop:
		a.mode = idle
		a.target = a.position
		s.send(apt.Frame{ID: apt.MotMoveStopped, Dest: apt.Host, Source: f.Dest, Data: a.status().Encode()})
	case apt.MotReqStatusUpdate:
		s.send(apt.Frame{ID: apt.MotGetStatusUpdate, Dest: apt.Host, Source: f.Dest, Data: a.status().Encode()})
	default:
		return fmt.Errorf("unsupported message")
	}
	return nil
}

func (s *Simulator) step(dt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for channel, a := range s.axes {
		if a.mode == idle || a.stalled {
			continue
		}
		v := a.velocity
		if a.mode == homing {
			v = a.homingVelocity
		}
		if v <= 0 {
			v = defaultVelocity
		}
		delta := v * s.Speedup * dt
		remaining := a.target - a.position
		if math.Abs(remaining) > delta {
			a.position += math.Copysign(delta, remaining)
			continue
		}
		a.position = a.target
		if a.mode == homing {
			a.homed = true
			a.mode = idle
			s.send(apt.Short(apt.MotMoveHomed, apt.Host, apt.Bay(channel), byte(apt.ChanIdent), 0))
			continue
		}
		a.mode = idle
		s.send(apt.Frame{ID: apt.MotMoveCompleted, Dest: apt.Host, Source: apt.Bay(channel), Data: a.status().Encode()})
	}
}
