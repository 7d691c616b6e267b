// Package tasks runs post-commit side effects on a bounded worker pool.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Spot-Canvas/copytrade/internal/metrics"
)

var (
	// ErrQueueFull is returned by TrySubmit when no slot is free.
	ErrQueueFull = errors.New("task queue full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("task queue closed")
)

// Func is one unit of background work.
type Func func(ctx context.Context) error

type job struct {
	name string
	fn   Func
}

// Queue is a bounded FIFO served by a fixed number of workers.
type Queue struct {
	jobs    chan job
	workers int
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

// New creates a queue holding at most size pending tasks.
func New(size, workers int) *Queue {
	if size < 1 {
		size = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		jobs:    make(chan job, size),
		workers: workers,
		logger:  log.With().Str("component", "tasks").Logger(),
	}
}

// Start launches the workers. Tasks run with ctx.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx)
	}
}

func (q *Queue) work(ctx context.Context) {
	defer q.wg.Done()
	for j := range q.jobs {
		metrics.TaskQueueDepth.Dec()
		q.run(ctx, j)
	}
}

func (q *Queue) run(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Str("task", j.name).Interface("panic", r).Msg("task panicked")
		}
	}()
	if err := j.fn(ctx); err != nil {
		q.logger.Error().Err(err).Str("task", j.name).Msg("task failed")
	}
}

// Submit enqueues fn, blocking while the queue is full until ctx is done.
func (q *Queue) Submit(ctx context.Context, name string, fn Func) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.jobs <- job{name: name, fn: fn}:
		metrics.TaskQueueDepth.Inc()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submit %s: %w", name, ctx.Err())
	}
}

// TrySubmit enqueues fn without blocking.
func (q *Queue) TrySubmit(name string, fn Func) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.jobs <- job{name: name, fn: fn}:
		metrics.TaskQueueDepth.Inc()
		return nil
	default:
		return fmt.Errorf("submit %s: %w", name, ErrQueueFull)
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
	q.logger.Info().Msg("task queue drained")
}
