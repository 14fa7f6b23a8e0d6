package raster

import (
	"context"
	"log"
	"time"

	"github.com/pkg/errors"
	"github.com/w1xm/bsc_raster/metrics"
	"github.com/w1xm/bsc_raster/stage"
)

// Shutter gates the beam or detector while the path axis sweeps.
type Shutter interface {
	SetOpen(open bool) error
}

// Executor drives a Plan. Moves are strictly sequential: each command is
// followed by a wait for its completion before the next is issued.
type Executor struct {
	Controller stage.Controller
	Sync       *Synchronizer
	// Shutter is optional. It is opened for the sweeps and always closed
	// afterwards.
	Shutter  Shutter
	Recorder metrics.Recorder
	// ReturnDelay is a pause between the last sweep and the rapid return.
	ReturnDelay time.Duration
}

func NewExecutor(c stage.Controller, sync *Synchronizer) *Executor {
	return &Executor{Controller: c, Sync: sync, Recorder: sync.Recorder}
}

func (e *Executor) Execute(ctx context.Context, plan *Plan) error {
	start := time.Now()
	err := e.execute(ctx, plan)
	result := "ok"
	var execErr *ExecutionError
	var notHomed *NotHomedError
	switch {
	case errors.As(err, &execErr):
		result = execErr.Kind.String()
	case errors.As(err, &notHomed):
		result = "not_homed"
	case err != nil:
		result = "error"
	}
	orNoop(e.Recorder).ObserveRaster(result, time.Since(start))
	return err
}

func (e *Executor) execute(ctx context.Context, plan *Plan) error {
	ctrl := e.Controller
	for _, axis := range []int{plan.PathAxis, plan.StepAxis} {
		ok, err := ctrl.CanMoveWithoutHoming(ctx, axis)
		if err != nil {
			return e.fail(ctx, StagePrecheck, axis, -1, err)
		}
		if !ok {
			return &NotHomedError{Axis: axis}
		}
	}

	if err := e.setRapid(ctx, plan, StageApproach); err != nil {
		return err
	}
	log.Printf("beginning raster: path axis %d, step axis %d, %d steps", plan.PathAxis, plan.StepAxis, plan.StepCount)
	if err := e.moveTo(ctx, StageApproach, plan.PathAxis, plan.PathStart); err != nil {
		return err
	}
	if err := e.moveTo(ctx, StageApproach, plan.StepAxis, plan.StepStart); err != nil {
		return err
	}

	if err := e.setVelocity(ctx, StageFeed, plan.PathAxis, plan.PathFeedVelocity, plan.PathAcceleration); err != nil {
		return err
	}
	if err := e.setVelocity(ctx, StageFeed, plan.StepAxis, plan.StepFeedVelocity, plan.StepAcceleration); err != nil {
		return err
	}
	if err := e.sweepGated(ctx, plan); err != nil {
		return err
	}
	log.Printf("raster completed")

	if e.ReturnDelay > 0 {
		select {
		case <-ctx.Done():
			return e.fail(ctx, StageReturn, plan.PathAxis, -1, ctx.Err())
		case <-time.After(e.ReturnDelay):
		}
	}

	if err := e.setRapid(ctx, plan, StageReturn); err != nil {
		return err
	}
	log.Printf("returning to start position")
	if err := e.moveTo(ctx, StageReturn, plan.PathAxis, plan.PathStart); err != nil {
		return err
	}
	return e.moveTo(ctx, StageReturn, plan.StepAxis, plan.StepStart)
}

func (e *Executor) sweepGated(ctx context.Context, plan *Plan) error {
	if e.Shutter == nil {
		return e.sweep(ctx, plan)
	}
	if err := e.Shutter.SetOpen(true); err != nil {
		return e.fail(ctx, StageFeed, plan.PathAxis, -1, errors.Wrap(err, "opening shutter"))
	}
	err := e.sweep(ctx, plan)
	if cerr := e.Shutter.SetOpen(false); cerr != nil {
		if err != nil {
			log.Printf("closing shutter: %v", cerr)
			return err
		}
		return e.fail(ctx, StageSweep, plan.PathAxis, plan.StepCount, errors.Wrap(cerr, "closing shutter"))
	}
	return err
}

// sweep runs StepCount+1 path sweeps of alternating sign with a step
// advance between consecutive sweeps.
func (e *Executor) sweep(ctx context.Context, plan *Plan) error {
	length := plan.PathLength
	for i := 0; i <= plan.StepCount; i++ {
		if err := e.moveBy(ctx, i, plan.PathAxis, length); err != nil {
			return err
		}
		length = -length
		if i == plan.StepCount {
			break
		}
		if err := e.moveBy(ctx, i, plan.StepAxis, plan.StepLength); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) setRapid(ctx context.Context, plan *Plan, stage string) error {
	if err := e.setVelocity(ctx, stage, plan.PathAxis, plan.PathRapidVelocity, plan.PathAcceleration); err != nil {
		return err
	}
	return e.setVelocity(ctx, stage, plan.StepAxis, plan.StepRapidVelocity, plan.StepAcceleration)
}

func (e *Executor) setVelocity(ctx context.Context, stage string, axis int, velocity, accel int32) error {
	if err := e.Controller.SetVelocityParams(axis, 0, velocity, accel); err != nil {
		return e.fail(ctx, stage, axis, -1, err)
	}
	return nil
}

func (e *Executor) moveTo(ctx context.Context, stage string, axis int, position int32) error {
	return e.move(ctx, stage, axis, -1, "absolute", func() error {
		return e.Controller.MoveToPosition(axis, position)
	})
}

func (e *Executor) moveBy(ctx context.Context, step, axis int, distance int32) error {
	return e.move(ctx, StageSweep, axis, step, "relative", func() error {
		return e.Controller.MoveRelative(axis, distance)
	})
}

func (e *Executor) move(ctx context.Context, stageName string, axis, step int, kind string, cmd func() error) error {
	if err := ctx.Err(); err != nil {
		return e.fail(ctx, stageName, axis, step, err)
	}
	orNoop(e.Recorder).IncMove(axis, kind)
	if err := e.Sync.Do(ctx, axis, stage.MoveCompleteID, cmd); err != nil {
		return e.fail(ctx, stageName, axis, step, err)
	}
	return nil
}

func (e *Executor) fail(ctx context.Context, stageName string, axis, step int, err error) error {
	kind := Fault
	var timeout *TimeoutError
	switch {
	case ctx.Err() != nil:
		kind = Cancelled
		if s, ok := e.Controller.(stage.Stopper); ok {
			if serr := s.StopImmediate(axis); serr != nil {
				log.Printf("axis %d: stopping: %v", axis, serr)
			}
		}
	case errors.As(err, &timeout):
		kind = Timeout
	}
	return &ExecutionError{Kind: kind, Stage: stageName, Axis: axis, Step: step, Err: err}
}
