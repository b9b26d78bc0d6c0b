// Package acquire sequences a pump-probe measurement: it moves the delay,
// captures shot batches, reduces and quality gates them, and accumulates the
// accepted spectra over repeated sweeps of the time list.
package acquire

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/pumpprobe/tacq/camera"
	"github.com/pumpprobe/tacq/catalog"
	"github.com/pumpprobe/tacq/delay"
	"github.com/pumpprobe/tacq/reduce"
)

// Phase is what the controller is doing
type Phase int

const (
	// Idle is between runs
	Idle Phase = iota

	// TakingBackground is the beams-blocked capture at the start of a run
	TakingBackground

	// Sweeping is measuring a time point
	Sweeping

	// Retaking is measuring a time point again after the quality gate tripped
	Retaking

	// SweepComplete is saving the sweep that just ended
	SweepComplete

	// Finished is after a run that ran to completion or was stopped
	Finished

	// Diagnosing is continuous measurement at one time point
	Diagnosing
)

var phaseNames = map[Phase]string{
	Idle:             "idle",
	TakingBackground: "taking background",
	Sweeping:         "sweeping",
	Retaking:         "retaking",
	SweepComplete:    "sweep complete",
	Finished:         "finished",
	Diagnosing:       "diagnostics",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// MarshalText encodes the phase by name
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Status is a snapshot of the controller
type Status struct {
	Phase      Phase   `json:"phase"`
	RunID      string  `json:"runId,omitempty"`
	Sweep      int     `json:"sweep"`
	NumSweeps  int     `json:"numSweeps"`
	TimeIndex  int     `json:"timeIndex"`
	NumTimes   int     `json:"numTimes"`
	Time       float64 `json:"time"`
	Units      string  `json:"units"`
	TauFlip    bool    `json:"tauFlip"`
	Retakes    int     `json:"retakes"`
	SaveErrors int     `json:"saveErrors"`
	Stopping   bool    `json:"stopping"`
	LastError  string  `json:"lastError,omitempty"`
}

// Prompter asks the operator to do something and returns once it is done
type Prompter func(ctx context.Context, msg string) error

// Option configures a Controller
type Option func(*Controller)

// WithLogger logs the run history to l
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		c.log = l
	}
}

// WithPrompter asks the operator to block and unblock the beams around the
// background capture
func WithPrompter(p Prompter) Option {
	return func(c *Controller) {
		c.prompt = p
	}
}

// WithCatalog records every run and saved sweep in cat
func WithCatalog(cat *catalog.Catalog) Option {
	return func(c *Controller) {
		c.catalog = cat
	}
}

// WithRunLock holds l for the duration of every run, e.g. to lock the
// manual HTTP routes
func WithRunLock(l sync.Locker) Option {
	return func(c *Controller) {
		c.runLock = l
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// Controller owns the delay device and the camera between runs.  Run and
// Diagnostics are exclusive; the other methods may be called concurrently.
type Controller struct {
	dev     delay.Device
	cam     camera.LineCamera
	log     *zap.Logger
	prompt  Prompter
	catalog *catalog.Catalog
	runLock sync.Locker
	now     func() time.Time

	busy  sync.Mutex
	stop  atomic.Bool
	cmds  chan diagCmd
	moves sync.Mutex

	mu      sync.Mutex
	status  Status
	latest  *reduce.Spectrum
	quality reduce.Quality
	avg     *mat.Dense
	waves   []float64
	times   []float64
}

// NewController returns an idle controller.  dev must be initialized before
// a run.
func NewController(dev delay.Device, cam camera.LineCamera, opts ...Option) *Controller {
	c := &Controller{
		dev:  dev,
		cam:  cam,
		log:  zap.NewNop(),
		now:  time.Now,
		cmds: make(chan diagCmd, 16),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.status.Units = dev.Units()
	return c
}

// Stop asks the active run or diagnostics to finish at the next capture
// completion
func (c *Controller) Stop() {
	if c.stop.CompareAndSwap(false, true) {
		c.log.Info("Stopped")
		c.updateStatus(func(s *Status) { s.Stopping = true })
	}
}

// Stopping is true once Stop was called during the active run
func (c *Controller) Stopping() bool {
	return c.stop.Load()
}

// Status returns a snapshot of the controller state
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Latest returns the most recent reduction and its quality flags.  ok is
// false before the first reduction.  The spectrum must not be modified.
func (c *Controller) Latest() (s reduce.Spectrum, q reduce.Quality, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return reduce.Spectrum{}, reduce.Quality{}, false
	}
	return *c.latest, c.quality, true
}

// Average returns a copy of the running average of the current run with its
// wavelength and time axes.  avg is nil before the first accepted point.
func (c *Controller) Average() (waves, times []float64, avg *mat.Dense) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.avg == nil {
		return nil, nil, nil
	}
	return append([]float64(nil), c.waves...), append([]float64(nil), c.times...), mat.DenseCopyOf(c.avg)
}

func (c *Controller) updateStatus(f func(*Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f(&c.status)
}

func (c *Controller) publish(s reduce.Spectrum, q reduce.Quality) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = &s
	c.quality = q
}

func (c *Controller) publishAverage(avg *mat.Dense) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.avg = avg
}

// Run performs a full measurement and blocks until it finishes, is stopped
// or fails.  Cancelling ctx is a Stop.
func (c *Controller) Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !cfg.DryRun && cfg.Output.Dir == "" {
		return fmt.Errorf("invalid configuration: no output folder")
	}
	if !c.busy.TryLock() {
		return ErrBusy
	}
	defer c.busy.Unlock()
	cfg = cfg.clone()

	if err := c.checkTimes(cfg.Times); err != nil {
		c.fail(err)
		return err
	}
	if c.runLock != nil {
		c.runLock.Lock()
		defer c.runLock.Unlock()
	}

	r := c.newRun(cfg)
	c.log.Info("Launching Run", zap.String("run", r.id), zap.Bool("dryRun", cfg.DryRun),
		zap.Int("times", len(cfg.Times)), zap.Int("sweeps", cfg.NumSweeps))
	c.startCatalog(r)

	err := r.execute(ctx, r.beginRun)
	c.endRun(r, err)
	return err
}

// Diagnostics measures continuously at time t, without accumulating or
// saving, until Stop is called or ctx is cancelled.  MoveTo, Jog and
// SetCurrentAsTimeZero are applied between captures.
func (c *Controller) Diagnostics(ctx context.Context, cfg Config, t float64) error {
	cfg.Times = []float64{t}
	cfg.NumSweeps = 1
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !c.busy.TryLock() {
		return ErrBusy
	}
	defer c.busy.Unlock()
	cfg = cfg.clone()

	if err := c.checkTimes(cfg.Times); err != nil {
		c.fail(err)
		return err
	}
	// commands sent before diagnostics started are stale
	for len(c.cmds) > 0 {
		<-c.cmds
	}
	r := c.newRun(cfg)
	r.diagTime = t
	c.log.Info("Launching Diagnostics", zap.Float64("time", t))
	err := r.execute(ctx, r.beginDiagnostics)
	c.endRun(r, err)
	return err
}

func (c *Controller) checkTimes(ts []float64) error {
	if st := c.dev.State(); st != delay.Ready {
		return fmt.Errorf("%w: device is %s", delay.ErrNotReady, st)
	}
	ok, err := c.dev.CheckTimes(ts)
	if err != nil {
		return err
	}
	if !ok {
		c.log.Warn("time points outside of the delay range")
		return ErrOutOfRange
	}
	return nil
}

// fail records an error that ended or prevented a run
func (c *Controller) fail(err error) {
	c.updateStatus(func(s *Status) {
		s.Phase = Idle
		s.LastError = err.Error()
	})
}

func (c *Controller) startCatalog(r *run) {
	if c.catalog == nil || r.cfg.DryRun {
		return
	}
	_, err := c.catalog.StartRun(catalog.Run{
		ID:        r.id,
		Name:      r.cfg.Output.Name,
		Dir:       r.cfg.Output.Dir,
		DelayType: r.cfg.DelayType,
		TimeUnits: c.dev.Units(),
		NumTimes:  len(r.cfg.Times),
		NumSweeps: r.cfg.NumSweeps,
		Started:   c.now(),
	})
	if err != nil {
		c.log.Error("could not catalog run", zap.Error(err))
	}
}

func (c *Controller) endRun(r *run, err error) {
	outcome := "finished"
	switch {
	case err != nil:
		outcome = "failed: " + err.Error()
		c.log.Error("run failed", zap.String("run", r.id), zap.Error(err))
		c.fail(err)
	case c.stop.Load():
		outcome = "stopped"
	}
	if err == nil {
		c.updateStatus(func(s *Status) {
			s.Phase = Finished
			s.Stopping = false
		})
	}
	if c.catalog != nil && !r.cfg.DryRun && !r.diagnostics {
		if cerr := c.catalog.FinishRun(r.id, outcome, c.now()); cerr != nil {
			c.log.Error("could not catalog run end", zap.Error(cerr))
		}
	}
	c.log.Info("Finished", zap.String("run", r.id), zap.String("outcome", outcome))
}
