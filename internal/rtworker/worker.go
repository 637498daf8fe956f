// Package rtworker provides the RealtimeWorker abstraction: a thread
// running a Runnable's init()/execute() at (best-effort) real-time
// priority, with a lifecycle tied to its owner via Start/Stop rather
// than POSIX thread primitives directly.
package rtworker

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

// Runnable is the unit of work a Worker repeatedly drives. Init is
// called once before the first Execute; Execute is called repeatedly
// until it returns false or the context is cancelled.
type Runnable interface {
	Init() error
	Execute(ctx context.Context) (more bool)
}

// Priority is a best-effort real-time priority hint. Values are
// relative: a Worker started with a higher Priority is meant to run
// above one started with a lower Priority (per §5: "the iso thread
// slightly above the streaming thread").
type Priority int

const (
	PriorityStreaming Priority = 10
	PriorityIso       Priority = 15
)

// Worker runs one Runnable on a dedicated goroutine, applying a
// best-effort OS-level priority hint at startup.
type Worker struct {
	logger   *slog.Logger
	name     string
	priority Priority
	run      Runnable

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a worker for the given Runnable. It does not start it.
func New(logger *slog.Logger, name string, priority Priority, run Runnable) *Worker {
	return &Worker{logger: logger, name: name, priority: priority, run: run}
}

// Start launches the worker's goroutine. The priority hint is applied
// via setpriority(2); on systems or under permissions where this is not
// available the failure is logged and ignored, since RT scheduling is
// an optimisation, not a correctness requirement, for this engine's
// userspace half.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.run.Init(); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		applyPriorityHint(w.logger, w.name, w.priority)
		for {
			select {
			case <-runCtx.Done():
				return
			default:
			}
			if !w.run.Execute(runCtx) {
				return
			}
		}
	}()
	return nil
}

// Stop cancels the worker and joins its goroutine.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func applyPriorityHint(logger *slog.Logger, name string, p Priority) {
	// Negative niceness requires privilege; best-effort only.
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, -int(p)); err != nil {
		logger.Debug("rtworker: could not raise scheduling priority", "worker", name, "error", err)
	}
}
