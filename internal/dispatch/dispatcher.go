// Package dispatch runs agent work off the HTTP handler goroutine on a
// bounded worker pool.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
)

var (
	// ErrQueueFull is returned by Submit when the backlog is at capacity.
	ErrQueueFull = errors.New("dispatch queue full")
	// ErrStopped is returned by Submit after Run has returned.
	ErrStopped = errors.New("dispatcher stopped")
)

// Job is one unit of work.
type Job struct {
	Name   string // for logs, e.g. "message" or "strava"
	ChatID string
	Run    func(ctx context.Context)
}

// Dispatcher queues jobs and runs them with at most Workers in flight.
type Dispatcher struct {
	workers int
	queue   chan Job
	logger  *slog.Logger

	mu      sync.RWMutex
	stopped bool

	inFlight atomic.Int64
	done     atomic.Int64
}

// New creates a Dispatcher. Call [Dispatcher.Run] to start processing.
func New(workers, queueSize int, logger *slog.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		workers: workers,
		queue:   make(chan Job, queueSize),
		logger:  logger.With("component", "dispatch"),
	}
}

// Submit enqueues a job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	select {
	case d.queue <- job:
		return nil
	default:
		return fmt.Errorf("%w (%d pending)", ErrQueueFull, len(d.queue))
	}
}

// Run processes jobs until ctx is cancelled, then waits for in-flight
// jobs to finish. Jobs still queued at that point are dropped. Jobs
// run on a context that is not cancelled with ctx; they are expected
// to bound themselves.
func (d *Dispatcher) Run(ctx context.Context) error {
	p := pool.New().WithMaxGoroutines(d.workers)
	jobCtx := context.WithoutCancel(ctx)
	d.logger.Info("dispatcher started", "workers", d.workers, "queue", cap(d.queue))

	for {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.stopped = true
			d.mu.Unlock()

			dropped := len(d.queue)
			p.Wait()
			d.logger.Info("dispatcher stopped", "completed", d.done.Load(), "dropped", dropped)
			return nil
		case job := <-d.queue:
			p.Go(func() { d.run(jobCtx, job) })
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, job Job) {
	d.inFlight.Add(1)
	start := time.Now()
	defer func() {
		d.inFlight.Add(-1)
		d.done.Add(1)
		if r := recover(); r != nil {
			d.logger.Error("job panicked", "job", job.Name, "chat_id", job.ChatID, "panic", r)
			return
		}
		d.logger.Debug("job done",
			"job", job.Name,
			"chat_id", job.ChatID,
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
	}()
	job.Run(ctx)
}

// Pending returns the number of queued jobs not yet started.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// InFlight returns the number of running jobs.
func (d *Dispatcher) InFlight() int {
	return int(d.inFlight.Load())
}
