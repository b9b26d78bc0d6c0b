package acquire

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pumpprobe/tacq/camera"
	"github.com/pumpprobe/tacq/catalog"
	"github.com/pumpprobe/tacq/delay"
	"github.com/pumpprobe/tacq/reduce"
	"github.com/pumpprobe/tacq/sweep"
)

// handler consumes one capture completion.  It either issues the next
// capture request and returns the handler for its completion, or returns
// nil to end the run.
type handler func(ctx context.Context, comp camera.Completion) (handler, error)

// run is the state of one run or diagnostics session.  It is only touched by
// the goroutine executing it.
type run struct {
	c      *Controller
	cfg    Config
	id     string
	log    *zap.Logger
	worker *camera.Worker

	reducer *reduce.Reducer
	acc     *sweep.Accumulator
	bg      *reduce.Background
	lc      *reduce.LinearCorrection
	opts    reduce.Options
	waves   []float64

	timeIndex    int
	tauFlip      bool
	retakes      int
	sweepRetakes int
	last         reduce.Spectrum

	diagnostics bool
	diagTime    float64
}

func (c *Controller) newRun(cfg Config) *run {
	id := uuid.New().String()
	r := &run{
		c:       c,
		cfg:     cfg,
		id:      id,
		log:     c.log.With(zap.String("run", id)),
		reducer: reduce.NewReducer(),
		waves:   cfg.Calibration.Waves(cfg.Pixels),
	}
	c.stop.Store(false)
	c.mu.Lock()
	c.status = Status{
		RunID:     id,
		NumSweeps: cfg.NumSweeps,
		NumTimes:  len(cfg.Times),
		Units:     c.dev.Units(),
		Sweep:     1,
		Time:      c.status.Time,
	}
	c.latest = nil
	c.avg = nil
	c.waves = r.waves
	c.times = cfg.Times
	c.mu.Unlock()
	return r
}

// execute starts the capture worker, runs begin and then dispatches
// completions until a handler ends the run
func (r *run) execute(ctx context.Context, begin func(ctx context.Context) (handler, error)) error {
	// moves and captures are never interrupted, a cancelled ctx is a Stop
	// honored at the next completion
	stopOnCancel := context.AfterFunc(ctx, r.c.Stop)
	defer stopOnCancel()
	ctx = context.WithoutCancel(ctx)

	r.worker = camera.NewWorker(r.c.cam, r.log)
	if err := r.worker.Start(ctx); err != nil {
		return fmt.Errorf("starting camera: %w", err)
	}
	defer func() {
		if err := r.worker.Close(); err != nil {
			r.log.Error("releasing camera", zap.Error(err))
		}
	}()

	h, err := begin(ctx)
	for h != nil && err == nil {
		comp := <-r.worker.Completions()
		h, err = h(ctx, comp)
	}
	return err
}

func (r *run) setPhase(p Phase) {
	r.c.updateStatus(func(s *Status) { s.Phase = p })
}

func (r *run) request(ctx context.Context, shots int) error {
	r.log.Info("Acquiring shots", zap.Int("shots", shots))
	if err := r.worker.Request(ctx, shots); err != nil {
		return fmt.Errorf("requesting capture: %w", err)
	}
	return nil
}

// batch validates a completion and turns it into a shot batch
func (r *run) batch(comp camera.Completion) (*reduce.ShotBatch, error) {
	if comp.Err != nil {
		return nil, fmt.Errorf("capture failed: %w", comp.Err)
	}
	f := comp.Frames
	if f.PixelCount != r.cfg.Pixels {
		return nil, fmt.Errorf("%w: %d pixels, expected %d", ErrGeometry, f.PixelCount, r.cfg.Pixels)
	}
	return reduce.NewShotBatch(f.Probe, f.Reference, f.FirstPixel, f.PixelCount)
}

func (r *run) beginRun(ctx context.Context) (handler, error) {
	r.acc = sweep.NewAccumulator(r.cfg.Times, r.cfg.Pixels, r.cfg.NumSweeps, r.cfg.Output,
		r.cfg.metadata(r.id, r.t0(), r.c.dev.Units(), r.c.now()))
	if r.cfg.DryRun {
		r.log.Info("Launching Test Run")
		r.opts = r.cfg.options(nil, nil)
		return r.startSweep(ctx)
	}
	return r.takeBackground(ctx, r.startSweep)
}

func (r *run) beginDiagnostics(ctx context.Context) (handler, error) {
	r.diagnostics = true
	if r.cfg.DryRun {
		r.opts = r.cfg.options(nil, nil)
		return r.startDiagnostics(ctx)
	}
	return r.takeBackground(ctx, r.startDiagnostics)
}

// t0 is the time zero recorded in the metadata
func (r *run) t0() interface{} {
	if tz, ok := r.c.dev.(delay.TimeZeroer); ok {
		return tz.T0()
	}
	return "n/a"
}

// takeBackground asks for the beams to be blocked and captures the
// background.  next starts the measurement once it is reduced.
func (r *run) takeBackground(ctx context.Context, next func(context.Context) (handler, error)) (handler, error) {
	r.setPhase(TakingBackground)
	if err := r.operator(ctx, "Block probe and reference"); err != nil {
		return nil, err
	}
	r.log.Info("Taking Background")
	if err := r.request(ctx, r.cfg.NumShots*r.cfg.DarkCorrectionFactor); err != nil {
		return nil, err
	}
	return func(ctx context.Context, comp camera.Completion) (handler, error) {
		return r.onBackground(ctx, comp, next)
	}, nil
}

func (r *run) onBackground(ctx context.Context, comp camera.Completion, next func(context.Context) (handler, error)) (handler, error) {
	b, err := r.batch(comp)
	if err != nil {
		return nil, err
	}
	if r.cfg.UseLinearCorrection {
		lc := reduce.DeriveLinearCorrection(b)
		r.lc = &lc
	}
	bg, err := r.reducer.ReduceBackground(b, r.cfg.Trigger, r.lc)
	if err != nil {
		return nil, fmt.Errorf("reducing background: %w", err)
	}
	r.bg = &bg
	r.opts = r.cfg.options(r.bg, r.lc)
	if err := r.operator(ctx, "Unblock probe and reference"); err != nil {
		return nil, err
	}
	if r.c.stop.Load() {
		return nil, nil
	}
	return next(ctx)
}

func (r *run) operator(ctx context.Context, msg string) error {
	if r.c.prompt == nil {
		return nil
	}
	r.log.Info(msg)
	if err := r.c.prompt(ctx, msg); err != nil {
		return fmt.Errorf("operator prompt: %w", err)
	}
	return nil
}

func (r *run) startSweep(ctx context.Context) (handler, error) {
	r.log.Info("Starting Sweep", zap.Int("sweep", r.acc.SweepIndex+1))
	r.timeIndex = 0
	r.sweepRetakes = 0
	r.c.updateStatus(func(s *Status) { s.Sweep = r.acc.SweepIndex + 1 })
	return r.moveAndAcquire(ctx)
}

// moveAndAcquire moves to the current time point, then requests its capture
func (r *run) moveAndAcquire(ctx context.Context) (handler, error) {
	t := r.cfg.Times[r.timeIndex]
	if err := r.move(ctx, t); err != nil {
		return nil, err
	}
	r.retakes = 0
	r.c.updateStatus(func(s *Status) {
		s.Phase = Sweeping
		s.TimeIndex = r.timeIndex
	})
	if err := r.request(ctx, r.cfg.NumShots); err != nil {
		return nil, err
	}
	return r.onPoint, nil
}

func (r *run) move(ctx context.Context, t float64) error {
	r.log.Info("Moving to", zap.Float64("time", t))
	r.c.moves.Lock()
	flip, err := r.c.dev.MoveTo(ctx, t)
	r.c.moves.Unlock()
	if err != nil {
		return fmt.Errorf("moving to %g %s: %w", t, r.c.dev.Units(), err)
	}
	r.tauFlip = flip
	r.c.updateStatus(func(s *Status) {
		s.Time = t
		s.TauFlip = flip
	})
	return nil
}

// onPoint gates a time point and either commits it or retakes it
func (r *run) onPoint(ctx context.Context, comp camera.Completion) (handler, error) {
	b, err := r.batch(comp)
	if err != nil {
		return nil, err
	}
	spec, q, err := r.reducer.Reduce(b, r.opts, r.tauFlip)
	if err != nil {
		return nil, fmt.Errorf("reducing time point %d: %w", r.timeIndex, err)
	}
	r.c.publish(spec, q)

	if !q.Clean() {
		if r.c.stop.Load() {
			return nil, nil
		}
		r.retakes++
		r.sweepRetakes++
		r.c.updateStatus(func(s *Status) {
			s.Phase = Retaking
			s.Retakes++
		})
		if r.cfg.MaxRetakes > 0 && r.retakes > r.cfg.MaxRetakes {
			return nil, fmt.Errorf("%w: %d at time %g", ErrTooManyRetakes, r.retakes-1, r.cfg.Times[r.timeIndex])
		}
		r.log.Info("retaking point", zap.Int("timeIndex", r.timeIndex),
			zap.Bool("highTriggerNoise", q.HighTriggerNoise), zap.Bool("highDtt", q.HighDtt))
		if err := r.request(ctx, r.cfg.NumShots); err != nil {
			return nil, err
		}
		return r.onPoint, nil
	}

	if err := r.acc.AddCurrentData(spec.Dtt, r.timeIndex); err != nil {
		return nil, err
	}
	r.last = spec
	r.c.publishAverage(r.acc.Average())
	if r.c.stop.Load() {
		return nil, nil
	}
	if r.timeIndex == len(r.cfg.Times)-1 {
		return r.endSweep(ctx)
	}
	r.timeIndex++
	return r.moveAndAcquire(ctx)
}

func (r *run) endSweep(ctx context.Context) (handler, error) {
	r.setPhase(SweepComplete)
	if !r.cfg.DryRun {
		r.save()
	}
	if r.acc.NextSweep() {
		return nil, nil
	}
	return r.startSweep(ctx)
}

// save persists the sweep.  Failures are logged and counted, never fatal.
func (r *run) save() {
	k := r.acc.SweepIndex + 1
	r.log.Info("Saving Sweep", zap.Int("sweep", k))
	var files []string
	try := func(path string, err error) {
		if err != nil {
			r.log.Error("save failed", zap.Int("sweep", k), zap.Error(err))
			r.c.updateStatus(func(s *Status) { s.SaveErrors++ })
			return
		}
		files = append(files, path)
	}
	try(r.acc.CurrentPath(), r.acc.SaveCurrentData(r.waves))
	try(r.acc.AvgPath(), r.acc.SaveAvgData(r.waves))
	try(r.acc.MetadataPath(), r.acc.SaveMetadataEachSweep(r.last.ProbeOn, r.last.ReferenceOn, r.last.ProbeShotError))
	if r.cfg.Output.FITS {
		try(r.acc.FITSPath(), r.acc.SaveFITS(r.waves))
	}
	if r.cfg.Output.Plots {
		err := r.acc.SavePlots(r.waves)
		try(r.acc.KineticPlotPath(), err)
		if err == nil {
			files = append(files, r.acc.SpectrumPlotPath())
		}
	}
	if r.c.catalog != nil {
		err := r.c.catalog.RecordSweep(catalog.Sweep{RunID: r.id, Sweep: k, Files: files, Retakes: r.sweepRetakes, Saved: r.c.now()})
		if err != nil {
			r.log.Error("could not catalog sweep", zap.Int("sweep", k), zap.Error(err))
		}
	}
}
