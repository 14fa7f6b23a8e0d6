package raster

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/w1xm/bsc_raster/stage"
)

// fakeController completes every move immediately, preceded by a status
// update that waits must skip.
type fakeController struct {
	mu     sync.Mutex
	queues map[int]chan stage.Message
	calls  []string
	loaded map[int]bool
	homed  map[int]bool
	// afterClear is pushed to an axis queue each time it is cleared.
	afterClear map[int][]stage.Message
	// stallAt is the 1-based move or home command that never completes.
	stallAt int
	// onMove runs after the n-th move or home command is issued.
	onMove      func(n int)
	moves       int
	conversions int
	loadErr     error
	moveErr     error
	stopped     []int
}

func newFakeController() *fakeController {
	return &fakeController{
		queues:     make(map[int]chan stage.Message),
		loaded:     make(map[int]bool),
		homed:      make(map[int]bool),
		afterClear: make(map[int][]stage.Message),
	}
}

var fakeScale = map[stage.UnitKind]float64{
	stage.Distance:     1000,
	stage.Velocity:     100,
	stage.Acceleration: 10,
}

func (f *fakeController) queue(axis int) chan stage.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[axis]
	if !ok {
		q = make(chan stage.Message, 64)
		f.queues[axis] = q
	}
	return q
}

func (f *fakeController) push(axis int, msgs ...stage.Message) {
	q := f.queue(axis)
	for _, m := range msgs {
		q <- m
	}
}

func (f *fakeController) log(format string, args ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) DeviceUnit(axis int, value float64, kind stage.UnitKind) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loaded[axis] {
		return 0, stage.ErrSettingsNotLoaded
	}
	f.conversions++
	return int32(math.Round(value * fakeScale[kind])), nil
}

func (f *fakeController) ClearMessageQueue(axis int) {
	q := f.queue(axis)
	for len(q) > 0 {
		<-q
	}
	f.mu.Lock()
	scripted := f.afterClear[axis]
	f.mu.Unlock()
	f.push(axis, scripted...)
}

func (f *fakeController) WaitForMessage(ctx context.Context, axis int) (stage.Message, error) {
	select {
	case m := <-f.queue(axis):
		return m, nil
	case <-ctx.Done():
		return stage.Message{}, ctx.Err()
	}
}

func (f *fakeController) StartPolling(axis int, rate time.Duration) error {
	f.log("start_polling %d %v", axis, rate)
	return nil
}

func (f *fakeController) LoadSettings(axis int) error {
	f.log("load_settings %d", axis)
	if f.loadErr != nil {
		return f.loadErr
	}
	f.mu.Lock()
	f.loaded[axis] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeController) CanMoveWithoutHoming(ctx context.Context, axis int) (bool, error) {
	f.log("can_move %d", axis)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.homed[axis], nil
}

func (f *fakeController) SetHomingVelocity(axis int, velocity int32) error {
	f.log("set_homing_velocity %d %d", axis, velocity)
	return nil
}

func (f *fakeController) SetVelocityParams(axis int, min, max, accel int32) error {
	f.log("set_velocity_params %d %d %d %d", axis, min, max, accel)
	return nil
}

func (f *fakeController) Home(axis int) error {
	f.log("home %d", axis)
	f.mu.Lock()
	f.homed[axis] = true
	f.mu.Unlock()
	f.complete(axis, stage.HomingCompleteID)
	return nil
}

func (f *fakeController) MoveToPosition(axis int, position int32) error {
	f.log("move_abs %d %d", axis, position)
	if f.moveErr != nil {
		return f.moveErr
	}
	f.complete(axis, stage.MoveCompleteID)
	return nil
}

func (f *fakeController) MoveRelative(axis int, distance int32) error {
	f.log("move_rel %d %d", axis, distance)
	if f.moveErr != nil {
		return f.moveErr
	}
	f.complete(axis, stage.MoveCompleteID)
	return nil
}

func (f *fakeController) StopImmediate(axis int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, axis)
	return nil
}

func (f *fakeController) complete(axis, id int) {
	f.mu.Lock()
	f.moves++
	n := f.moves
	stall := f.stallAt == n
	hook := f.onMove
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	if stall {
		return
	}
	f.push(axis,
		stage.Message{Type: stage.GenericDeviceType, ID: stage.StatusUpdatedID},
		stage.Message{Type: stage.MoveCompleteType, ID: id},
	)
}

type fakeShutter struct {
	mu     sync.Mutex
	states []bool
}

func (s *fakeShutter) SetOpen(open bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, open)
	return nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	moves   map[string]int
	waits   map[string]int
	rasters []string
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{moves: make(map[string]int), waits: make(map[string]int)}
}

func (r *fakeRecorder) ObserveWait(axis, id int, result string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits[result]++
}

func (r *fakeRecorder) IncMove(axis int, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moves[kind]++
}

func (r *fakeRecorder) ObserveRaster(result string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rasters = append(r.rasters, result)
}
