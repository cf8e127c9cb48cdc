// Package worker runs background tasks on a fixed set of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/user/pullis/pkg/logger"
)

var (
	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = errors.New("worker queue is full")
	// ErrStopped is returned by Submit after Stop has been called.
	ErrStopped = errors.New("worker pool is stopped")
)

type job struct {
	name     string
	task     func(ctx context.Context) error
	queuedAt time.Time
}

// Pool executes submitted tasks with bounded concurrency and a bounded queue.
type Pool struct {
	count int
	jobs  chan job

	mu      sync.RWMutex
	stopped bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool creates a pool of count workers sharing a queue of queueSize slots.
func NewPool(count, queueSize int) *Pool {
	if count < 1 {
		count = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Pool{
		count: count,
		jobs:  make(chan job, queueSize),
	}
}

// Start launches the workers. Tasks run with a context derived from ctx that
// is cancelled when Stop gives up waiting.
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.count; i++ {
		p.wg.Add(1)
		go p.run(fmt.Sprintf("worker-%d", i+1))
	}
	logger.Info().Int("workers", p.count).Int("queue", cap(p.jobs)).Msg("Worker pool started")
}

// Submit queues a task without blocking.
func (p *Pool) Submit(name string, task func(ctx context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrStopped
	}

	select {
	case p.jobs <- job{name: name, task: task, queuedAt: time.Now()}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop refuses new tasks, lets queued ones finish and waits for the workers.
// When ctx expires first, running tasks are cancelled and ctx's error is returned.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		logger.Info().Msg("Worker pool stopped")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) run(workerID string) {
	defer p.wg.Done()
	for j := range p.jobs {
		p.execute(workerID, j)
	}
}

func (p *Pool) execute(workerID string, j job) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("worker", workerID).
				Str("task", j.name).
				Interface("panic", r).
				Msg("Task panicked")
		}
	}()

	if err := j.task(p.ctx); err != nil {
		logger.Error().
			Err(err).
			Str("worker", workerID).
			Str("task", j.name).
			Dur("duration", time.Since(start)).
			Msg("Task failed")
		return
	}

	logger.Debug().
		Str("worker", workerID).
		Str("task", j.name).
		Dur("queued", start.Sub(j.queuedAt)).
		Dur("duration", time.Since(start)).
		Msg("Task completed")
}
