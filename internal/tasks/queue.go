// Package tasks runs best-effort background jobs off the inbound hot path.
package tasks

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Options tunes a Queue.
type Options struct {
	Size    int
	Workers int
	// Timeout bounds a single job. Zero means 30 seconds.
	Timeout time.Duration
}

type job struct {
	name string
	fn   func(ctx context.Context) error
}

// Queue is a bounded worker pool for fire-and-forget jobs. Submit never
// blocks; job errors and panics are logged and never returned to the submitter.
type Queue struct {
	logger  *slog.Logger
	jobs    chan job
	workers int
	timeout time.Duration

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewQueue creates a Queue. Workers are started lazily by Start or the first Submit.
func NewQueue(log *slog.Logger, opts Options) *Queue {
	if log == nil {
		log = slog.Default()
	}
	if opts.Size <= 0 {
		opts.Size = 512
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Queue{
		logger:  log.With(slog.String("component", "tasks")),
		jobs:    make(chan job, opts.Size),
		workers: opts.Workers,
		timeout: opts.Timeout,
	}
}

// Start launches the workers. Calling it more than once is harmless.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		q.ctx, q.cancel = context.WithCancel(context.WithoutCancel(ctx))
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go q.run()
		}
	})
}

// Submit schedules fn under name. It reports false when the queue is full
// and the job was dropped.
func (q *Queue) Submit(name string, fn func(ctx context.Context) error) bool {
	if fn == nil {
		return false
	}
	q.Start(context.Background())
	select {
	case q.jobs <- job{name: name, fn: fn}:
		return true
	default:
		q.logger.Warn("task queue full, dropping job", slog.String("job", name))
		return false
	}
}

// Shutdown stops accepting work once the queue drains or ctx expires.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.Start(ctx)
	done := make(chan struct{})
	go func() {
		q.drain()
		q.cancel()
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}

func (q *Queue) drain() {
	for {
		if len(q.jobs) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case j := <-q.jobs:
			q.execute(j)
		}
	}
}

func (q *Queue) execute(j job) {
	ctx, cancel := context.WithTimeout(q.ctx, q.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task panic",
				slog.String("job", j.name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	if err := j.fn(ctx); err != nil {
		q.logger.Warn("task failed", slog.String("job", j.name), slog.Any("error", err))
	}
}
