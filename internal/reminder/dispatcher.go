package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/healthsync/go-healthsync/internal/infrastructure/redpanda"
	"github.com/healthsync/go-healthsync/internal/observability/metrics"
	"github.com/healthsync/go-healthsync/pkg/idempotency"
	"github.com/healthsync/go-healthsync/pkg/workerpool"
)

const handlerName = "telegram-reminder"

// Notifier delivers a text message to a chat. Errors marked with
// idempotency.Terminal are not retried.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string) error
}

// Inbox deduplicates deliveries by key
type Inbox interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Dispatcher consumes planned reminders and sends each exactly once
type Dispatcher struct {
	pool     *workerpool.Pool
	inbox    Inbox
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher with its own worker pool. m may be nil.
func NewDispatcher(inbox Inbox, notifier Notifier, poolCfg workerpool.Config, m *metrics.Metrics, logger *zap.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		inbox:    inbox,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
	}

	pool, err := workerpool.New(poolCfg, d.deliver, logger.Named("pool"))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	d.pool = pool
	return d, nil
}

// Start launches the delivery workers
func (d *Dispatcher) Start() {
	d.pool.Start()
}

// Stop drains queued deliveries
func (d *Dispatcher) Stop() {
	d.pool.Stop()
}

// Stats returns the worker pool statistics
func (d *Dispatcher) Stats() workerpool.Stats {
	return d.pool.Stats()
}

// Healthy reports whether the delivery queue has headroom
func (d *Dispatcher) Healthy() bool {
	return d.pool.IsHealthy()
}

// Handle is the consumer's MessageHandler. It blocks until the reminder has
// been delivered, skipped or has failed for good, so the offset is only
// committed after that.
func (d *Dispatcher) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var r Reminder
	if err := json.Unmarshal(msg.Value, &r); err != nil || r.Key == "" || r.ChatID == 0 {
		// Redelivering a malformed message cannot help.
		d.logger.Error("dropping malformed reminder",
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	err := d.pool.SubmitWait(ctx, &workerpool.Task{ID: r.Key, Payload: r})
	if err == nil {
		return nil
	}
	if workerpool.IsPermanent(err) {
		return nil
	}
	d.count(false)
	return err
}

func (d *Dispatcher) deliver(ctx context.Context, task *workerpool.Task) error {
	r, ok := task.Payload.(Reminder)
	if !ok {
		return workerpool.Permanent(fmt.Errorf("unexpected payload %T", task.Payload))
	}
	payload, _ := json.Marshal(r)

	res, err := d.inbox.Process(ctx, r.Key, handlerName, payload, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		if err := d.notifier.Notify(ctx, r.ChatID, r.Text()); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"sent":true}`), nil
	})

	switch {
	case err == nil:
		if res.IsNew || res.WasRecovered {
			d.count(true)
			d.logger.Info("reminder sent",
				zap.String("user_id", r.UserID),
				zap.String("date", r.Date),
				zap.String("period", r.Period))
		} else {
			d.logger.Debug("duplicate reminder skipped", zap.String("key", r.Key))
		}
		return nil

	case errors.Is(err, idempotency.ErrDuplicateMessage), errors.Is(err, idempotency.ErrPreviouslyFailed):
		d.logger.Debug("reminder already handled", zap.String("key", r.Key), zap.Error(err))
		return workerpool.Permanent(err)

	case idempotency.IsTerminal(err):
		d.count(false)
		d.logger.Warn("reminder cannot be delivered",
			zap.String("user_id", r.UserID),
			zap.Int64("chat_id", r.ChatID),
			zap.Error(err))
		return workerpool.Permanent(err)
	}

	// ErrMessageInProgress and notifier outages are retried by the pool. The
	// inbox keeps the key RECOVERABLE for the next delivery attempt.
	return err
}

func (d *Dispatcher) count(sent bool) {
	if d.metrics == nil {
		return
	}
	if sent {
		d.metrics.RemindersSent.Inc()
	} else {
		d.metrics.RemindersFailed.Inc()
	}
}
