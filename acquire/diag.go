package acquire

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pumpprobe/tacq/camera"
	"github.com/pumpprobe/tacq/delay"
)

type diagKind int

const (
	diagMove diagKind = iota
	diagJog
	diagZero
)

// diagCmd is a manual delay command queued for the diagnostics loop
type diagCmd struct {
	kind  diagKind
	value float64
}

var errQueueFull = errors.New("too many manual delay commands pending")

func (r *run) startDiagnostics(ctx context.Context) (handler, error) {
	if err := r.move(ctx, r.diagTime); err != nil {
		return nil, err
	}
	r.setPhase(Diagnosing)
	if err := r.request(ctx, r.cfg.NumShots); err != nil {
		return nil, err
	}
	return r.onDiag, nil
}

// onDiag reduces a batch for display only; the quality flags are reported
// but nothing is retaken
func (r *run) onDiag(ctx context.Context, comp camera.Completion) (handler, error) {
	b, err := r.batch(comp)
	if err != nil {
		return nil, err
	}
	spec, q, err := r.reducer.Reduce(b, r.opts, r.tauFlip)
	if err != nil {
		return nil, fmt.Errorf("reducing diagnostics batch: %w", err)
	}
	r.c.publish(spec, q)
	if r.c.stop.Load() {
		return nil, nil
	}
	if err := r.applyCommands(ctx); err != nil {
		return nil, err
	}
	if err := r.request(ctx, r.cfg.NumShots); err != nil {
		return nil, err
	}
	return r.onDiag, nil
}

// applyCommands drains the manual command queue.  A time out of range is
// logged and skipped.
func (r *run) applyCommands(ctx context.Context) error {
	for {
		select {
		case cmd := <-r.c.cmds:
			t := r.c.resolve(cmd, r.diagTime)
			ok, err := r.c.dev.CheckTime(t)
			if err != nil {
				return err
			}
			if !ok {
				r.log.Warn("manual time out of range, ignored", zap.Float64("time", t))
				continue
			}
			if err := r.move(ctx, t); err != nil {
				return err
			}
			r.diagTime = t
		default:
			return nil
		}
	}
}

// resolve returns the target time of cmd from the current time cur.  A
// time zero command moves time zero to cur and targets 0.
func (c *Controller) resolve(cmd diagCmd, cur float64) float64 {
	switch cmd.kind {
	case diagJog:
		return cur + cmd.value
	case diagZero:
		tz := c.dev.(delay.TimeZeroer)
		t0 := tz.T0() - cur
		tz.SetT0(t0)
		c.log.Info("time zero changed", zap.Float64("t0", t0))
		return 0
	}
	return cmd.value
}

// MoveTo moves the delay to t.  When idle the move happens now; during
// diagnostics it is applied at the next capture completion.
func (c *Controller) MoveTo(ctx context.Context, t float64) error {
	return c.manual(ctx, diagCmd{kind: diagMove, value: t})
}

// Jog moves the delay by dt from the current time
func (c *Controller) Jog(ctx context.Context, dt float64) error {
	return c.manual(ctx, diagCmd{kind: diagJog, value: dt})
}

// SetCurrentAsTimeZero makes the current delay time zero
func (c *Controller) SetCurrentAsTimeZero(ctx context.Context) error {
	if _, ok := c.dev.(delay.TimeZeroer); !ok {
		return ErrNoTimeZero
	}
	return c.manual(ctx, diagCmd{kind: diagZero})
}

// CurrentTime is the last time the delay was moved to
func (c *Controller) CurrentTime() float64 {
	return c.Status().Time
}

func (c *Controller) manual(ctx context.Context, cmd diagCmd) error {
	if c.busy.TryLock() {
		defer c.busy.Unlock()
		return c.moveIdle(ctx, cmd)
	}
	if c.Status().Phase != Diagnosing {
		return ErrNotDiagnosing
	}
	select {
	case c.cmds <- cmd:
		return nil
	default:
		return errQueueFull
	}
}

func (c *Controller) moveIdle(ctx context.Context, cmd diagCmd) error {
	t := c.resolve(cmd, c.CurrentTime())
	ok, err := c.dev.CheckTime(t)
	if err != nil {
		return err
	}
	if !ok {
		return ErrOutOfRange
	}
	c.moves.Lock()
	flip, err := c.dev.MoveTo(ctx, t)
	c.moves.Unlock()
	if err != nil {
		return err
	}
	c.log.Info("Moving to", zap.Float64("time", t))
	c.updateStatus(func(s *Status) {
		s.Time = t
		s.TauFlip = flip
	})
	return nil
}
