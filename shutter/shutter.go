// Package shutter drives a beam shutter or trigger relay wired to a
// modbus coil.
package shutter

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/w1xm/bsc_raster/internal/modbus"
)

type Status struct {
	Coil int  `json:"coil"`
	Open bool `json:"open"`
	// Commanded is the last state written by SetOpen.
	Commanded bool `json:"commanded"`
}

type StatusCallback func(status Status)

type coilClient interface {
	WriteCoil(coil int, value bool) error
	ReadCoil(coil int) (bool, error)
}

type Shutter struct {
	statusCallback StatusCallback
	coil           int

	mu        sync.Mutex
	client    coilClient
	open      bool
	commanded bool
}

type Config struct {
	Port     string
	BaudRate int
	SlaveId  byte
	Coil     int
}

// Connect opens the relay board and polls the coil state in the background.
func Connect(ctx context.Context, cfg Config, statusCallback StatusCallback) (*Shutter, error) {
	client := &modbus.Client{
		Port:     cfg.Port,
		BaudRate: cfg.BaudRate,
		SlaveId:  cfg.SlaveId,
	}
	s := newShutter(client, cfg.Coil, statusCallback)
	client.Poll = s.pollOnce
	return s, client.Connect(ctx)
}

func newShutter(client coilClient, coil int, statusCallback StatusCallback) *Shutter {
	return &Shutter{
		client:         client,
		coil:           coil,
		statusCallback: statusCallback,
	}
}

func (s *Shutter) pollOnce() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	open, err := s.client.ReadCoil(s.coil)
	if err != nil {
		return err
	}
	s.open = open
	s.notifyStatus()
	return nil
}

func (s *Shutter) notifyStatus() {
	if s.statusCallback == nil {
		return
	}
	s.statusCallback(Status{
		Coil:      s.coil,
		Open:      s.open,
		Commanded: s.commanded,
	})
}

// SetOpen energizes or releases the coil.
func (s *Shutter) SetOpen(open bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.client.WriteCoil(s.coil, open); err != nil {
		return errors.Wrapf(err, "writing coil %d", s.coil)
	}
	s.commanded = open
	s.open = open
	s.notifyStatus()
	return nil
}

func (s *Shutter) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Coil: s.coil, Open: s.open, Commanded: s.commanded}
}
