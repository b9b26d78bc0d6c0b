package camera

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Completion is the outcome of one capture request
type Completion struct {
	Shots  int
	Frames Frames
	Err    error
}

// Worker owns a LineCamera.  Request is fire-and-forget; exactly one
// Completion is delivered for every accepted request.
type Worker struct {
	cam LineCamera
	log *zap.Logger

	requests    chan int
	completions chan Completion
	busy        atomic.Bool

	cancel  context.CancelFunc
	stopped chan struct{}
	wg      sync.WaitGroup
}

// NewWorker returns a worker for cam.  Call Start before Request.
func NewWorker(cam LineCamera, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		cam:         cam,
		log:         log,
		requests:    make(chan int),
		completions: make(chan Completion, 1),
		stopped:     make(chan struct{}),
	}
}

// Start initializes the camera and launches the capture goroutine, which
// runs until ctx is done or Close is called
func (w *Worker) Start(ctx context.Context) error {
	if err := w.cam.Initialize(); err != nil {
		return err
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	defer close(w.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case shots := <-w.requests:
			f, err := w.cam.Capture(shots)
			if err != nil {
				w.log.Error("capture failed", zap.Int("shots", shots), zap.Error(err))
			}
			// clear busy first so the receiver may request again at once
			w.busy.Store(false)
			w.completions <- Completion{Shots: shots, Frames: f, Err: err}
		}
	}
}

// Request asks for a capture of shots.  It returns ErrBusy if a capture is
// already in flight, ErrStopped once the worker has exited, or the context error.
func (w *Worker) Request(ctx context.Context, shots int) error {
	if !w.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	select {
	case w.requests <- shots:
		return nil
	case <-ctx.Done():
		w.busy.Store(false)
		return ctx.Err()
	case <-w.stopped:
		w.busy.Store(false)
		return ErrStopped
	}
}

// Completions delivers one Completion per accepted request
func (w *Worker) Completions() <-chan Completion {
	return w.completions
}

// Busy is true while a capture is in flight
func (w *Worker) Busy() bool {
	return w.busy.Load()
}

// Close stops the capture goroutine, waiting for an in-flight capture, and
// finalizes the camera
func (w *Worker) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	// an undelivered completion must not block the loop from exiting
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-done:
			return w.cam.Finalize()
		case c := <-w.completions:
			w.log.Debug("dropping completion on close", zap.Int("shots", c.Shots))
		}
	}
}
