package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func fastConfig() Config {
	return Config{
		Workers:                 2,
		QueueSize:               4,
		MaxRetries:              2,
		RetryDelay:              time.Millisecond,
		GracefulShutdownTimeout: time.Second,
	}
}

func TestSubmitWaitReturnsResult(t *testing.T) {
	var calls int64
	pool, err := New(fastConfig(), func(ctx context.Context, task *Task) error {
		atomic.AddInt64(&calls, 1)
		if task.Payload.(int) < 0 {
			return Permanent(errors.New("negative"))
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pool.Start()
	defer pool.Stop()

	ctx := context.Background()
	if err := pool.SubmitWait(ctx, &Task{ID: "ok", Payload: 1}); err != nil {
		t.Errorf("ok task: %v", err)
	}

	err = pool.SubmitWait(ctx, &Task{ID: "bad", Payload: -1})
	if !IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Errorf("permanent errors must not be retried; calls = %d", got)
	}
}

func TestTransientErrorsAreRetried(t *testing.T) {
	var calls int64
	pool, _ := New(fastConfig(), func(ctx context.Context, task *Task) error {
		if atomic.AddInt64(&calls, 1) < 3 {
			return errors.New("flaky")
		}
		return nil
	}, nil)
	pool.Start()
	defer pool.Stop()

	if err := pool.SubmitWait(context.Background(), &Task{ID: "t"}); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if stats := pool.Stats(); stats.TasksRetried != 2 || stats.TasksCompleted != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRetriesExhausted(t *testing.T) {
	boom := errors.New("boom")
	pool, _ := New(fastConfig(), func(context.Context, *Task) error { return boom }, nil)
	pool.Start()
	defer pool.Stop()

	err := pool.SubmitWait(context.Background(), &Task{ID: "t"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped boom, got %v", err)
	}
	if stats := pool.Stats(); stats.TasksFailed != 1 {
		t.Errorf("failed = %d", stats.TasksFailed)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	pool, _ := New(fastConfig(), func(context.Context, *Task) error { return nil }, nil)
	pool.Start()
	pool.Stop()

	if err := pool.Submit(&Task{ID: "late"}); !errors.Is(err, ErrStopped) {
		t.Errorf("Submit: expected ErrStopped, got %v", err)
	}
	if err := pool.SubmitWait(context.Background(), &Task{ID: "late"}); !errors.Is(err, ErrStopped) {
		t.Errorf("SubmitWait: expected ErrStopped, got %v", err)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	release := make(chan struct{})
	cfg := fastConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	pool, _ := New(cfg, func(context.Context, *Task) error { <-release; return nil }, nil)
	pool.Start()
	defer pool.Stop()
	defer close(release)

	// The worker takes the first task and blocks; the second fills the queue.
	pool.Submit(&Task{ID: "1"})
	deadline := time.Now().Add(time.Second)
	for pool.Stats().QueueDepth != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := pool.Submit(&Task{ID: "2"}); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if err := pool.Submit(&Task{ID: "3"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	pool, _ := New(fastConfig(), func(context.Context, *Task) error { return nil }, nil)
	pool.Start()
	pool.Stop()
	pool.Stop()
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	cfg := Config{RetryDelay: 100 * time.Millisecond, MaxRetryDelay: 300 * time.Millisecond}
	within := func(d, base time.Duration) bool { return d >= base && d <= base+base/5 }

	if d := cfg.backoff(1); !within(d, 100*time.Millisecond) {
		t.Errorf("attempt 1: %v", d)
	}
	if d := cfg.backoff(2); !within(d, 200*time.Millisecond) {
		t.Errorf("attempt 2: %v", d)
	}
	if d := cfg.backoff(5); !within(d, 300*time.Millisecond) {
		t.Errorf("attempt 5: %v", d)
	}
}

func TestAttemptsRecordedOnTask(t *testing.T) {
	pool, _ := New(fastConfig(), func(context.Context, *Task) error { return errors.New("down") }, nil)
	pool.Start()
	defer pool.Stop()

	task := &Task{ID: "t"}
	pool.SubmitWait(context.Background(), task)
	if task.Attempts != fastConfig().MaxRetries+1 {
		t.Errorf("attempts = %d", task.Attempts)
	}
}
