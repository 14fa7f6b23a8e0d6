package raster

import (
	"context"
	"time"

	"github.com/w1xm/bsc_raster/metrics"
	"github.com/w1xm/bsc_raster/stage"
)

// DefaultWaitTimeout bounds every wait for a move or homing completion.
const DefaultWaitTimeout = 2 * time.Minute

// Synchronizer blocks until an axis reports a specific completion.
type Synchronizer struct {
	Messenger stage.Messenger
	// Timeout defaults to DefaultWaitTimeout.
	Timeout  time.Duration
	Recorder metrics.Recorder
}

func (s *Synchronizer) timeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultWaitTimeout
	}
	return s.Timeout
}

// WaitFor discards messages already queued for axis, then waits for
// (MoveCompleteType, id).
func (s *Synchronizer) WaitFor(ctx context.Context, axis, id int) error {
	s.Messenger.ClearMessageQueue(axis)
	return s.wait(ctx, axis, id)
}

// Do clears the axis queue, issues cmd and waits for (MoveCompleteType, id).
// Clearing before the command means a completion that arrives before the
// wait begins is still matched.
func (s *Synchronizer) Do(ctx context.Context, axis, id int, cmd func() error) error {
	s.Messenger.ClearMessageQueue(axis)
	if err := cmd(); err != nil {
		return err
	}
	return s.wait(ctx, axis, id)
}

func (s *Synchronizer) wait(ctx context.Context, axis, id int) error {
	start := time.Now()
	timeout := s.timeout()
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		m, err := s.Messenger.WaitForMessage(wctx, axis)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if wctx.Err() != nil {
				s.observe(axis, id, "timeout", start)
				return &TimeoutError{Axis: axis, ID: id, After: timeout}
			}
			s.observe(axis, id, "error", start)
			return err
		}
		if m.Type == stage.MoveCompleteType && m.ID == id {
			s.observe(axis, id, "ok", start)
			return nil
		}
	}
}

func (s *Synchronizer) observe(axis, id int, result string, start time.Time) {
	orNoop(s.Recorder).ObserveWait(axis, id, result, time.Since(start))
}

// orNoop returns r, or a recorder that discards everything if r is nil.
func orNoop(r metrics.Recorder) metrics.Recorder {
	if r == nil {
		return metrics.NoopRecorder{}
	}
	return r
}
