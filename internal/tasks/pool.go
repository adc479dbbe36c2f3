// Package tasks runs best-effort side work (ICS invites, log appends) on a
// bounded background pool. Submissions never fail the caller: a full queue
// drops the task with a log line, and task errors are retried a few times and
// then logged, never propagated.
package tasks

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"kincal/internal/backoff"
)

type task struct {
	name string
	run  func(context.Context) error
}

type Pool struct {
	logger      *slog.Logger
	queue       chan task
	workers     int
	maxAttempts int
	retry       backoff.Config

	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewPool sizes the pool. workers goroutines drain a queue of at most depth
// pending tasks.
func NewPool(logger *slog.Logger, workers, depth int) *Pool {
	if workers <= 0 {
		workers = 2
	}
	if depth <= 0 {
		depth = 64
	}
	return &Pool{
		logger:      logger,
		queue:       make(chan task, depth),
		workers:     workers,
		maxAttempts: 3,
		retry:       backoff.Config{BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second},
	}
}

// Start launches the workers. They exit when ctx is canceled.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker(ctx)
		}
	})
}

// Wait blocks until the workers have exited after context cancellation.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Submit enqueues a task. It never blocks and never returns an error; when the
// queue is full the task is dropped and logged, honoring the
// never-fails-the-parent contract.
func (p *Pool) Submit(name string, fn func(context.Context) error) {
	select {
	case p.queue <- task{name: name, run: fn}:
	default:
		p.logger.Warn("Background queue full, dropping task", "task", name)
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			p.drain(ctx, rng)
			return
		case t := <-p.queue:
			p.runWithRetry(ctx, t, rng)
		}
	}
}

// drain runs tasks still queued at shutdown. Retry sleeps bail once the
// context is gone, so each drained task gets a single attempt.
func (p *Pool) drain(ctx context.Context, rng *rand.Rand) {
	for {
		select {
		case t := <-p.queue:
			p.runWithRetry(ctx, t, rng)
		default:
			return
		}
	}
}

func (p *Pool) runWithRetry(ctx context.Context, t task, rng *rand.Rand) {
	var err error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err = t.run(ctx); err == nil {
			return
		}
		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff.Delay(attempt, p.retry, rng)):
		}
	}
	p.logger.Error("Background task failed permanently", "task", t.name, "attempts", p.maxAttempts, "error", err)
}
