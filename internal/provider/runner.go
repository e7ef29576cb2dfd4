package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/statehist/internal/errors"
	"github.com/xtxerr/statehist/internal/logging"
)

// Runner drives a Handler over a Source into a Target.
type Runner struct {
	source  Source
	handler Handler
	target  Target
	logger  *slog.Logger

	started atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	err     error

	// Statistics
	events atomic.Int64
	last   atomic.Int64
}

// RunnerStats holds runner statistics.
type RunnerStats struct {
	Running       bool
	Events        int64
	LastTimestamp int64
}

// NewRunner creates a runner. A nil logger means a component logger.
func NewRunner(src Source, h Handler, target Target, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = logging.Component("provider")
	}
	r := &Runner{
		source:  src,
		handler: h,
		target:  target,
		logger:  logger,
		done:    make(chan struct{}),
	}
	r.last.Store(target.StartTime())
	return r
}

// Start launches the producer goroutine. It may be called once.
func (r *Runner) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("provider runner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	go func() {
		defer close(r.done)
		defer cancel()
		r.err = r.run(ctx)
	}()
	return nil
}

// Wait blocks until the runner is done and returns its error.
func (r *Runner) Wait() error {
	<-r.done
	return r.err
}

// Stop cancels the runner and waits for it. The history is still finished.
func (r *Runner) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return r.Wait()
}

// Run is Start followed by Wait.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	return r.Wait()
}

// Stats returns current statistics.
func (r *Runner) Stats() RunnerStats {
	running := r.started.Load()
	select {
	case <-r.done:
		running = false
	default:
	}
	return RunnerStats{
		Running:       running,
		Events:        r.events.Load(),
		LastTimestamp: r.last.Load(),
	}
}

func (r *Runner) run(ctx context.Context) (err error) {
	log := logging.FromContext(ctx, r.logger)
	defer func() {
		// A handler that failed partway through an event may have applied
		// changes past the last handled timestamp.
		end := max(r.last.Load(), r.target.CurrentEndTime())
		if ferr := r.target.FinishedBuilding(end); ferr != nil {
			log.Error("finishing history failed", "end", end, "error", ferr)
			if err == nil {
				err = ferr
			}
			return
		}
		log.Info("provider finished", "events", r.events.Load(), "end", end)
	}()

	for {
		if err := ctx.Err(); err != nil {
			log.Warn("provider cancelled", "events", r.events.Load(), "last", r.last.Load())
			return err
		}

		ev, err := r.source.Next(ctx)
		if err == io.EOF {
			log.Debug("provider reached end of input", "events", r.events.Load(), "last", r.last.Load())
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				log.Warn("provider cancelled", "events", r.events.Load(), "last", r.last.Load())
				return ctx.Err()
			}
			return fmt.Errorf("read event %d: %w", r.events.Load()+1, err)
		}

		ts := ev.Timestamp()
		if last := r.last.Load(); ts < last {
			return errors.NewTimeRange(ts, r.target.StartTime(), last, "event timestamps must not decrease")
		}
		if err := r.handler.HandleEvent(r.target, ev); err != nil {
			return fmt.Errorf("handle event at t=%d: %w", ts, err)
		}
		r.last.Store(ts)
		r.events.Add(1)
	}
}
