package delay

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pumpprobe/tacq/util"
)

// Channel is a programmable delay channel, satisfied by srs.DG645 and srs.Mock
type Channel interface {
	Initialize() error
	SetDelay(channel, reference int, seconds float64) error
	Close() error
}

const (
	// channels of a DG645
	chanT0 = 0
	chanA  = 2
)

// Generator delays the pump with an electronic delay generator.  A pump that
// must arrive after the probe is instead delayed by nearly a full laser
// period, so it lands before the following probe; MoveTo reports this as a
// tau flip.
type Generator struct {
	ch  Channel
	log *zap.Logger

	// Period is the laser period in seconds
	Period float64

	mu    sync.Mutex
	state State
	t0    float64
}

// NewGenerator returns an unconfigured generator at 1 kHz with time zero t0 ns
func NewGenerator(ch Channel, t0 float64, opts ...Option) *Generator {
	o := buildOptions(opts)
	return &Generator{ch: ch, log: o.log, Period: 1e-3, t0: t0}
}

// Initialize configures the trigger and output levels of the generator
func (g *Generator) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := g.ch.Initialize(); err != nil {
		return fmt.Errorf("configuring delay generator: %w", err)
	}
	g.mu.Lock()
	g.state = Ready
	g.mu.Unlock()
	g.log.Info("delay generator ready", zap.Float64("period", g.Period))
	return nil
}

// dt is the pump delay in seconds for a time t ns
func (g *Generator) dt(t float64) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return (g.t0 - t) * 1e-9
}

// MoveTo programs channel A for delay t
func (g *Generator) MoveTo(ctx context.Context, t float64) (bool, error) {
	if g.State() != Ready {
		return false, ErrNotReady
	}
	dt := g.dt(t)
	flip := false
	if dt < 0 {
		flip = true
		dt += g.Period
	}
	if err := g.ch.SetDelay(chanA, chanT0, dt); err != nil {
		return false, err
	}
	g.log.Debug("delay set", zap.Float64("ns", t), zap.Float64("seconds", dt), zap.Bool("tauFlip", flip))
	return flip, nil
}

// CheckTime returns true if the delay for t is within one laser period
func (g *Generator) CheckTime(t float64) (bool, error) {
	return util.Limiter{Min: -g.Period, Max: g.Period}.Check(g.dt(t)), nil
}

// CheckTimes returns true if every time is within one laser period
func (g *Generator) CheckTimes(ts []float64) (bool, error) {
	return checkAll(ts, g.CheckTime)
}

// State returns the lifecycle state
func (g *Generator) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Units is ns
func (g *Generator) Units() string {
	return "ns"
}

// T0 returns time zero in ns
func (g *Generator) T0() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.t0
}

// SetT0 changes time zero
func (g *Generator) SetT0(t0 float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.t0 = t0
}

// Close closes the connection to the generator
func (g *Generator) Close() error {
	g.mu.Lock()
	g.state = Uninitialized
	g.mu.Unlock()
	return g.ch.Close()
}
