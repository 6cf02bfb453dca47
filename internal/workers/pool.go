// Package workers provides the bounded worker pool behind the parallel
// per-symbol cycle variant. Per-symbol tasks are independent; all shared
// state they reach (risk evaluators, sink buffer) carries its own locks,
// so the pool only has to bound concurrency and contain panics.
package workers

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of per-symbol work.
type Task interface {
	Execute() error
}

// TaskFunc adapts a plain function to Task.
type TaskFunc func() error

func (f TaskFunc) Execute() error { return f() }

var (
	ErrPoolStopped     = errors.New("workers: pool is stopped")
	ErrQueueFull       = errors.New("workers: task queue is full")
	ErrShutdownTimeout = errors.New("workers: shutdown timed out")
)

// PoolConfig bounds the pool. QueueSize only needs to cover one cycle's
// symbol fan-out, not a tick firehose.
type PoolConfig struct {
	Name            string
	NumWorkers      int
	QueueSize       int
	ShutdownTimeout time.Duration
}

// DefaultPoolConfig sizes for I/O-bound symbol pipelines: each task spends
// most of its life waiting on exchange REST calls or the LLM subprocess.
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:            name,
		NumWorkers:      runtime.NumCPU() * 2,
		QueueSize:       256,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Queued    int   `json:"queued"`
}

// Pool runs submitted tasks on a fixed set of worker goroutines. Workers
// are live from construction; Stop drains them.
type Pool struct {
	logger *zap.Logger
	cfg    *PoolConfig

	tasks   chan Task
	stopped atomic.Bool
	wg      sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// NewPool builds the pool and starts its workers immediately, so a Submit
// that succeeds is always eventually executed.
func NewPool(logger *zap.Logger, cfg *PoolConfig) *Pool {
	if cfg == nil {
		cfg = DefaultPoolConfig("default")
	}
	p := &Pool{
		logger: logger.Named("workers." + cfg.Name),
		cfg:    cfg,
		tasks:  make(chan Task, cfg.QueueSize),
	}
	for i := 0; i < cfg.NumWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", cfg.NumWorkers), zap.Int("queue_size", cfg.QueueSize))
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(id, task)
	}
}

func (p *Pool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			p.logger.Error("worker recovered from panic",
				zap.Int("worker_id", id), zap.Any("panic", r))
		}
	}()
	if err := task.Execute(); err != nil {
		p.failed.Add(1)
		p.logger.Debug("task failed", zap.Int("worker_id", id), zap.Error(err))
		return
	}
	p.completed.Add(1)
}

// Submit enqueues a task without blocking. A full queue is a signal the
// cycle is outrunning the workers, so it is surfaced instead of buffered.
func (p *Pool) Submit(task Task) error {
	if p.stopped.Load() {
		return ErrPoolStopped
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitFunc enqueues a plain function.
func (p *Pool) SubmitFunc(fn func() error) error {
	return p.Submit(TaskFunc(fn))
}

// Stop closes the queue and waits for in-flight tasks, up to
// ShutdownTimeout. Safe to call more than once.
func (p *Pool) Stop() error {
	if p.stopped.Swap(true) {
		return nil
	}
	close(p.tasks)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool stopped", zap.Int64("completed", p.completed.Load()))
		return nil
	case <-time.After(p.cfg.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out",
			zap.Duration("timeout", p.cfg.ShutdownTimeout))
		return ErrShutdownTimeout
	}
}

// QueueLength reports tasks waiting for a worker.
func (p *Pool) QueueLength() int { return len(p.tasks) }

// IsRunning reports whether the pool still accepts tasks.
func (p *Pool) IsRunning() bool { return !p.stopped.Load() }

// Stats snapshots the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
		Queued:    len(p.tasks),
	}
}
