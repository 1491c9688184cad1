// Package idempotency records which messages a handler has already acted
// on, so a redelivered reminder never notifies the same user twice for the
// same slot.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// InboxConfig tunes retention and crash recovery
type InboxConfig struct {
	// DefaultTTL is how long any entry is kept
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	// RecoveryTimeout is how long a STARTED entry may sit before its
	// worker is presumed dead
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig keeps a week of history
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// ProcessFunc performs the side effect for one message
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// ProcessResult describes a completed Process call
type ProcessResult struct {
	// IsNew is false when the key had finished earlier and fn was skipped
	IsNew bool
	// WasRecovered is true when an earlier attempt had failed or crashed
	WasRecovered bool
	Result       json.RawMessage
}

// Inbox runs handlers at most once per key
type Inbox struct {
	store  Store
	cfg    InboxConfig
	tracer trace.Tracer
	logger *zap.Logger
	now    func() time.Time

	stop    chan struct{}
	done    chan struct{}
	cleanup bool
}

// NewInbox wraps store
func NewInbox(store Store, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{
		store:  store,
		cfg:    cfg,
		tracer: otel.Tracer("healthsync/inbox"),
		logger: logger,
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Process claims key and runs fn. A finished key returns its stored result
// without calling fn. A key held by a live worker returns
// ErrMessageInProgress; one held by a worker silent for longer than
// RecoveryTimeout is taken over.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox.process", trace.WithAttributes(
		attribute.String("inbox.key", key),
		attribute.String("inbox.handler", handlerName)))
	defer span.End()

	claim, err := i.claim(ctx, key, handlerName, payload)
	if err != nil {
		return nil, err
	}
	if claim == ClaimHeld {
		return i.held(ctx, span, key)
	}
	recovered := claim == ClaimRecovered
	span.SetAttributes(attribute.Bool("inbox.recovered", recovered))

	result, err := fn(ctx, payload)
	if err != nil {
		next := StatusRecoverable
		if IsTerminal(err) {
			next = StatusFailed
		}
		detail, _ := json.Marshal(map[string]string{"error": err.Error()})
		if serr := i.store.SetStatus(ctx, key, next, detail); serr != nil {
			i.logger.Error("inbox status not saved",
				zap.String("key", key), zap.String("status", string(next)), zap.Error(serr))
		}
		span.RecordError(err)
		return nil, err
	}

	if err := i.store.SetStatus(ctx, key, StatusFinished, result); err != nil {
		// fn has run; the row is left to stale recovery
		i.logger.Error("inbox finish not saved", zap.String("key", key), zap.Error(err))
	}
	return &ProcessResult{IsNew: true, WasRecovered: recovered, Result: result}, nil
}

// claim retries once after releasing a stale STARTED entry
func (i *Inbox) claim(ctx context.Context, key, handlerName string, payload json.RawMessage) (Claim, error) {
	expires := i.now().Add(i.cfg.DefaultTTL)
	c, err := i.store.Claim(ctx, key, handlerName, payload, expires)
	if err != nil || c != ClaimHeld {
		return c, wrap("claim", err)
	}

	entry, err := i.store.Get(ctx, key)
	if err != nil || entry.Status != StatusStarted || i.now().Sub(entry.UpdatedAt) <= i.cfg.RecoveryTimeout {
		return ClaimHeld, nil
	}
	i.logger.Warn("taking over stale inbox entry",
		zap.String("key", key), zap.Time("started", entry.UpdatedAt))
	if err := i.store.SetStatus(ctx, key, StatusRecoverable, nil); err != nil {
		return ClaimHeld, wrap("release stale entry", err)
	}
	c, err = i.store.Claim(ctx, key, handlerName, payload, expires)
	return c, wrap("claim", err)
}

// held explains why key could not be claimed
func (i *Inbox) held(ctx context.Context, span trace.Span, key string) (*ProcessResult, error) {
	entry, err := i.store.Get(ctx, key)
	if errors.Is(err, ErrEntryNotFound) {
		return nil, ErrMessageInProgress
	}
	if err != nil {
		return nil, wrap("load entry", err)
	}
	span.SetAttributes(attribute.String("inbox.status", string(entry.Status)))

	switch entry.Status {
	case StatusFinished:
		return &ProcessResult{Result: entry.Result}, nil
	case StatusFailed:
		return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
	case StatusStarted:
		return nil, ErrMessageInProgress
	}
	return nil, ErrDuplicateMessage
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("idempotency: %s: %w", op, err)
}

// ReminderKey is the inbox key of one reminder slot: a SHA-256 over the
// user, the calendar day and the lower-cased period.
func ReminderKey(userID string, date time.Time, period string) string {
	sum := sha256.Sum256([]byte(userID + "|" + date.Format(time.DateOnly) + "|" + strings.ToLower(period)))
	return hex.EncodeToString(sum[:])
}

// StartCleanup deletes expired entries every CleanupInterval until Stop
func (i *Inbox) StartCleanup() {
	i.cleanup = true
	go func() {
		defer close(i.done)
		tick := time.NewTicker(i.cfg.CleanupInterval)
		defer tick.Stop()
		for {
			select {
			case <-i.stop:
				return
			case <-tick.C:
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			n, err := i.store.DeleteExpired(ctx, i.cfg.DefaultTTL)
			cancel()
			switch {
			case err != nil:
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			case n > 0:
				i.logger.Info("inbox cleaned up", zap.Int64("deleted", n))
			}
		}
	}()
}

// Stop ends the cleanup loop started by StartCleanup
func (i *Inbox) Stop() {
	close(i.stop)
	if i.cleanup {
		<-i.done
	}
}

// RecoverStaleEntries releases every STARTED entry older than RecoveryTimeout
func (i *Inbox) RecoverStaleEntries(ctx context.Context) (int64, error) {
	return i.store.RecoverStale(ctx, i.cfg.RecoveryTimeout)
}

// GetStats counts entries by status
func (i *Inbox) GetStats(ctx context.Context) (*Stats, error) {
	return i.store.Stats(ctx)
}
