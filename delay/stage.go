package delay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pumpprobe/tacq/util"
)

// Axis is a single closed loop motion axis, satisfied by pi.Controller
// and pi.MockController
type Axis interface {
	SetVelocity(axis string, v float64) error
	SetServo(axis string, on bool) error
	Reference(axis string, fast bool) error
	MoveAbs(axis string, pos float64) error
	GetPos(axis string) (float64, error)
	GetOnTarget(axis string) (bool, error)
	GetTravelLimits(axis string) (float64, float64, error)
	Home(axis string) error
	Close() error
}

// StageConfig holds the parameters that differ between stages
type StageConfig struct {
	// Axis is the controller's axis identifier
	Axis string

	// Velocity in mm/s, kept low to avoid crashes
	Velocity float64

	// FastReference uses FRF rather than REF
	FastReference bool

	// Timeout bounds each move or reference
	Timeout time.Duration

	// PollRate is the on-target queries per second
	PollRate float64

	// TolerateQueryErrors keeps polling when an on-target query fails,
	// waiting RetryPause first
	TolerateQueryErrors bool
	RetryPause          time.Duration

	// T0 is time zero in ps
	T0 float64
}

var (
	// LongStage is the long travel stage on a Hydra controller
	LongStage = StageConfig{
		Axis:          "1",
		Velocity:      30,
		FastReference: true,
		Timeout:       300 * time.Second,
		PollRate:      20,
	}

	// ShortStage is the short travel stage behind a serial gateway, whose
	// controller intermittently fails on-target queries while moving
	ShortStage = StageConfig{
		Axis:                "A",
		Velocity:            10,
		Timeout:             300 * time.Second,
		PollRate:            20,
		TolerateQueryErrors: true,
		RetryPause:          200 * time.Millisecond,
	}
)

// Stage is a mechanical delay line.  The probe passes the stage twice, so a
// delay of t ps is a move of c*t/2 mm from time zero.
type Stage struct {
	cfg  StageConfig
	axis Axis
	log  *zap.Logger

	mu     sync.Mutex
	state  State
	t0     float64
	limits util.Limiter
}

// NewStage returns an uninitialized stage on axis
func NewStage(axis Axis, cfg StageConfig, opts ...Option) *Stage {
	o := buildOptions(opts)
	if cfg.PollRate <= 0 {
		cfg.PollRate = 20
	}
	return &Stage{cfg: cfg, axis: axis, log: o.log, t0: cfg.T0}
}

// Initialize sets the velocity, closes the servo loop, references the axis
// and caches its travel limits
func (s *Stage) Initialize(ctx context.Context) error {
	a := s.cfg.Axis
	if err := s.axis.SetVelocity(a, s.cfg.Velocity); err != nil {
		return fmt.Errorf("setting velocity: %w", err)
	}
	if err := s.axis.SetServo(a, true); err != nil {
		return fmt.Errorf("enabling servo: %w", err)
	}
	s.log.Info("referencing stage", zap.String("axis", a), zap.Bool("fast", s.cfg.FastReference))
	if err := s.axis.Reference(a, s.cfg.FastReference); err != nil {
		return fmt.Errorf("referencing: %w", err)
	}
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.setState(Referenced)

	lo, hi, err := s.axis.GetTravelLimits(a)
	if err != nil {
		return fmt.Errorf("reading travel limits: %w", err)
	}
	s.mu.Lock()
	s.limits = util.Limiter{Min: lo, Max: hi}
	s.state = Ready
	s.mu.Unlock()
	s.log.Info("stage ready", zap.String("axis", a), zap.Float64("min", lo), zap.Float64("max", hi))
	return nil
}

// ToMM converts a time in ps to a stage position in mm
func (s *Stage) ToMM(t float64) float64 {
	return SpeedOfLight * (t - s.T0()) / 2
}

// MoveTo moves the stage to delay t and blocks until it settles
func (s *Stage) MoveTo(ctx context.Context, t float64) (bool, error) {
	if s.State() != Ready {
		return false, ErrNotReady
	}
	mm := s.ToMM(t)
	if err := s.axis.MoveAbs(s.cfg.Axis, mm); err != nil {
		return false, err
	}
	s.log.Debug("moving stage", zap.Float64("ps", t), zap.Float64("mm", mm))
	return false, s.wait(ctx)
}

// Home moves the stage to its home position
func (s *Stage) Home(ctx context.Context) error {
	if s.State() == Uninitialized {
		return ErrNotReady
	}
	if err := s.axis.Home(s.cfg.Axis); err != nil {
		return err
	}
	return s.wait(ctx)
}

// Position returns the stage position in mm
func (s *Stage) Position() (float64, error) {
	return s.axis.GetPos(s.cfg.Axis)
}

// CheckTime returns true if t is within the travel limits
func (s *Stage) CheckTime(t float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Ready {
		return false, ErrNotReady
	}
	mm := SpeedOfLight * (t - s.t0) / 2
	return s.limits.Check(mm), nil
}

// CheckTimes returns true if every time is within the travel limits
func (s *Stage) CheckTimes(ts []float64) (bool, error) {
	return checkAll(ts, s.CheckTime)
}

// State returns the lifecycle state
func (s *Stage) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Units is ps
func (s *Stage) Units() string {
	return "ps"
}

// T0 returns time zero in ps
func (s *Stage) T0() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t0
}

// SetT0 changes time zero
func (s *Stage) SetT0(t0 float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t0 = t0
}

// Close closes the connection to the controller
func (s *Stage) Close() error {
	s.setState(Uninitialized)
	return s.axis.Close()
}

func (s *Stage) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// wait polls on-target until the axis settles or the timeout elapses
func (s *Stage) wait(ctx context.Context) error {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	lim := rate.NewLimiter(rate.Limit(s.cfg.PollRate), 1)
	for {
		if err := lim.Wait(ctx); err != nil {
			return s.waitErr(ctx)
		}
		on, err := s.axis.GetOnTarget(s.cfg.Axis)
		if err != nil {
			if !s.cfg.TolerateQueryErrors {
				return err
			}
			s.log.Warn("on target query failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return s.waitErr(ctx)
			case <-time.After(s.cfg.RetryPause):
			}
			continue
		}
		if on {
			return nil
		}
	}
}

// waitErr maps the end of a wait to ErrHardwareTimeout unless the caller
// cancelled
func (s *Stage) waitErr(ctx context.Context) error {
	if ctx.Err() == context.Canceled {
		return ctx.Err()
	}
	return ErrHardwareTimeout
}
