// Package worker runs fire-and-forget background tasks on a bounded pool.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrStopped is returned by Stop when called twice
var ErrStopped = errors.New("worker: pool stopped")

// Task is a unit of background work. The context carries the pool's
// per-task timeout.
type Task func(ctx context.Context) error

type job struct {
	name string
	fn   Task
}

// Stats is a snapshot of pool counters
type Stats struct {
	Submitted int64
	Dropped   int64
	Completed int64
	Failed    int64
	Panicked  int64
	Pending   int
}

// Pool executes submitted tasks on a fixed set of goroutines.
type Pool struct {
	name   string
	config Config
	logger *zap.Logger
	tasks  chan job

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup

	submitted atomic.Int64
	dropped   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
}

// Option configures a Pool
type Option func(*Pool)

// WithLogger sets the logger for the pool
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// New creates and starts a pool
func New(name string, config Config, opts ...Option) (*Pool, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	p := &Pool{
		name:   name,
		config: config,
		logger: zap.NewNop(),
		tasks:  make(chan job, config.QueueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("pool", name))

	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.run()
	}

	p.logger.Debug("Worker pool started", zap.Int("workers", config.Workers), zap.Int("queue_size", config.QueueSize))
	return p, nil
}

// Submit queues fn without blocking. It returns false when the task was
// dropped because the queue is full or the pool is stopped.
func (p *Pool) Submit(name string, fn Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		p.dropped.Add(1)
		p.logger.Warn("Task dropped, pool stopped", zap.String("task", name))
		return false
	}

	select {
	case p.tasks <- job{name: name, fn: fn}:
		p.submitted.Add(1)
		return true
	default:
		p.dropped.Add(1)
		p.logger.Warn("Task dropped, queue full", zap.String("task", name))
		return false
	}
}

// Stop stops accepting tasks and waits for queued ones to finish or ctx to
// expire, whichever comes first.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped gracefully")
		return nil
	case <-ctx.Done():
		p.logger.Warn("Worker pool shutdown timeout exceeded, some tasks may still be running",
			zap.Int("pending", len(p.tasks)))
		return ctx.Err()
	}
}

// Stats returns the current counters
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Dropped:   p.dropped.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panicked:  p.panicked.Load(),
		Pending:   len(p.tasks),
	}
}

func (p *Pool) run() {
	defer p.wg.Done()
	for j := range p.tasks {
		p.execute(j)
	}
}

func (p *Pool) execute(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.TaskTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.logger.Error("Task panicked", zap.String("task", j.name), zap.Any("panic", r))
		}
	}()

	if err := j.fn(ctx); err != nil {
		p.failed.Add(1)
		p.logger.Warn("Task failed", zap.String("task", j.name), zap.Error(err))
		return
	}
	p.completed.Add(1)
}
