// Package workerpool runs tasks on a fixed set of goroutines with retries
// for transient failures.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrQueueFull = errors.New("workerpool: queue full")
	ErrStopped   = errors.New("workerpool: stopped")
)

type permanent struct{ error }

func (p permanent) Unwrap() error { return p.error }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err}
}

// IsPermanent reports whether err, or anything it wraps, came from Permanent
func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p)
}

// Task is one unit of work
type Task struct {
	ID      string
	Payload any
	// Context is handed to the worker function; SubmitWait fills it in
	Context context.Context
	// Attempts is the number of times the task has run
	Attempts int

	result chan error
}

// WorkerFunc handles one attempt at a task
type WorkerFunc func(ctx context.Context, task *Task) error

// Config sizes the pool and its retry policy
type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries is the number of extra attempts after the first failure
	MaxRetries int
	// RetryDelay doubles per attempt, with up to 20% jitter, capped at MaxRetryDelay
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// GracefulShutdownTimeout bounds how long Stop waits for queued tasks
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig fits notification delivery: few workers, short retries
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               256,
		MaxRetries:              3,
		RetryDelay:              500 * time.Millisecond,
		MaxRetryDelay:           10 * time.Second,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

func (c Config) backoff(attempt int) time.Duration {
	d := c.RetryDelay << (attempt - 1)
	if c.MaxRetryDelay > 0 && (d > c.MaxRetryDelay || d <= 0) {
		d = c.MaxRetryDelay
	}
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int64N(int64(d)/5+1))
}

// Stats is a snapshot of pool activity
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Pool executes submitted tasks with Config.Workers goroutines
type Pool struct {
	cfg    Config
	fn     WorkerFunc
	logger *zap.Logger

	queue   chan *Task
	quit    chan struct{}
	workers sync.WaitGroup

	// gate is held for reading by senders and for writing by Stop, so the
	// queue is never closed under a sender
	gate     sync.RWMutex
	stopped  bool
	stopOnce sync.Once

	submitted, completed, failed, retried atomic.Int64
}

// New validates cfg and builds an idle pool; call Start to run it
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("workerpool: nil worker function")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}
	return &Pool{
		cfg:    cfg,
		fn:     fn,
		logger: logger,
		queue:  make(chan *Task, cfg.QueueSize),
		quit:   make(chan struct{}),
	}, nil
}

// Start launches the workers
func (p *Pool) Start() {
	p.workers.Add(p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		go p.work(i)
	}
	p.logger.Info("worker pool running",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize))
}

// Submit enqueues task without blocking
func (p *Pool) Submit(task *Task) error {
	p.gate.RLock()
	defer p.gate.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait enqueues task, waiting for room, then blocks until the task
// has finished and returns its final error.
func (p *Pool) SubmitWait(ctx context.Context, task *Task) error {
	task.result = make(chan error, 1)
	if task.Context == nil {
		task.Context = ctx
	}
	if err := p.send(ctx, task); err != nil {
		return err
	}
	select {
	case err := <-task.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) send(ctx context.Context, task *Task) error {
	p.gate.RLock()
	defer p.gate.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrStopped
	}
}

// Stop rejects new tasks and lets the workers finish what is queued, for
// at most GracefulShutdownTimeout. It is safe to call more than once.
func (p *Pool) Stop() {
	first := false
	p.stopOnce.Do(func() {
		first = true
		close(p.quit)
		p.gate.Lock()
		p.stopped = true
		close(p.queue)
		p.gate.Unlock()
	})
	if !first {
		return
	}

	finished := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		p.logger.Info("worker pool drained")
	case <-time.After(p.cfg.GracefulShutdownTimeout):
		p.logger.Warn("worker pool stop timed out", zap.Int("abandoned", len(p.queue)))
	}
}

func (p *Pool) work(id int) {
	defer p.workers.Done()
	for task := range p.queue {
		err := p.attempt(task)
		if err != nil {
			p.failed.Add(1)
			p.logger.Error("task failed",
				zap.String("task_id", task.ID),
				zap.Int("worker", id),
				zap.Int("attempts", task.Attempts),
				zap.Error(err))
		} else {
			p.completed.Add(1)
		}
		if task.result != nil {
			task.result <- err
		}
	}
}

func (p *Pool) attempt(task *Task) error {
	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		task.Attempts++
		err := p.fn(ctx, task)
		if err == nil || IsPermanent(err) {
			return err
		}
		if task.Attempts > p.cfg.MaxRetries {
			return fmt.Errorf("workerpool: %s gave up after %d attempts: %w", task.ID, task.Attempts, err)
		}

		wait := p.cfg.backoff(task.Attempts)
		p.retried.Add(1)
		p.logger.Debug("task will retry",
			zap.String("task_id", task.ID),
			zap.Int("attempt", task.Attempts),
			zap.Duration("wait", wait),
			zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Stats returns current counters
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		TasksRetried:   p.retried.Load(),
		QueueDepth:     int64(len(p.queue)),
		QueueCapacity:  p.cfg.QueueSize,
		Workers:        p.cfg.Workers,
	}
}

// IsHealthy reports whether the queue is less than 90% full
func (p *Pool) IsHealthy() bool {
	return len(p.queue)*10 < p.cfg.QueueSize*9
}
