// Package postgres provides PostgreSQL infrastructure components.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// relayLockID serialises relay instances across the cluster
const relayLockID = int64(0x6865616c7468)

// Headers set on every relayed message
const (
	HeaderEventType     = "event-type"
	HeaderAggregateID   = "aggregate-id"
	HeaderAggregateType = "aggregate-type"
	HeaderOutboxID      = "outbox-id"
	HeaderOriginalTopic = "original-topic"
	HeaderLastError     = "last-error"
)

// OutboxEntry is one row of the outbox table
type OutboxEntry struct {
	ID            int64           `db:"id"`
	AggregateID   string          `db:"aggregate_id"`
	AggregateType string          `db:"aggregate_type"`
	EventType     string          `db:"event_type"`
	Payload       json.RawMessage `db:"payload"`
	Topic         string          `db:"topic"`
	Key           string          `db:"message_key"`
	CreatedAt     time.Time       `db:"created_at"`
	ProcessedAt   *time.Time      `db:"processed_at"`
	RetryCount    int             `db:"retry_count"`
	LastError     *string         `db:"last_error"`
}

func (e *OutboxEntry) headers() map[string]string {
	return map[string]string{
		HeaderEventType:     e.EventType,
		HeaderAggregateID:   e.AggregateID,
		HeaderAggregateType: e.AggregateType,
		HeaderOutboxID:      strconv.FormatInt(e.ID, 10),
	}
}

// Publisher delivers one message and returns once the broker has it
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

// PendingGauge receives the pending entry count after each pass
type PendingGauge interface {
	Set(float64)
}

const insertEntry = `
	INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, topic, message_key)
	VALUES (@aggregate_id, @aggregate_type, @event_type, @payload, @topic, @message_key)`

func entryArgs(e *OutboxEntry) pgx.NamedArgs {
	return pgx.NamedArgs{
		"aggregate_id":   e.AggregateID,
		"aggregate_type": e.AggregateType,
		"event_type":     e.EventType,
		"payload":        e.Payload,
		"topic":          e.Topic,
		"message_key":    e.Key,
	}
}

// WriteEntry appends e to the outbox within tx
func WriteEntry(ctx context.Context, tx pgx.Tx, e *OutboxEntry) error {
	err := tx.QueryRow(ctx, insertEntry+` RETURNING id, created_at`, entryArgs(e)).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// WriteEntryOnce is WriteEntry for event types guarded by a unique index.
// It reports false when the same entry already exists.
func WriteEntryOnce(ctx context.Context, tx pgx.Tx, e *OutboxEntry) (bool, error) {
	err := tx.QueryRow(ctx, insertEntry+` ON CONFLICT DO NOTHING RETURNING id, created_at`, entryArgs(e)).Scan(&e.ID, &e.CreatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("write outbox entry: %w", err)
	}
	return true, nil
}

// RelayConfig tunes the relay
type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxRetries failed publishes move an entry to DeadLetterTopic
	MaxRetries      int
	DeadLetterTopic string
}

// DefaultRelayConfig returns the relay defaults
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:       100,
		PollInterval:    500 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "healthsync.dead-letter",
	}
}

// Relay moves committed outbox entries to the broker. Entries sharing a key
// are published in insertion order; once one fails the rest of its key wait
// for the next pass.
type Relay struct {
	pool      *pgxpool.Pool
	cfg       RelayConfig
	publisher Publisher
	pending   PendingGauge
	tracer    trace.Tracer
	logger    *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// NewRelay builds a relay. pending may be nil.
func NewRelay(pool *pgxpool.Pool, publisher Publisher, cfg RelayConfig, pending PendingGauge, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Relay{
		pool:      pool,
		cfg:       cfg,
		publisher: publisher,
		pending:   pending,
		tracer:    otel.Tracer("healthsync/outbox"),
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs passes every PollInterval until Stop
func (r *Relay) Start() {
	go func() {
		defer close(r.done)
		tick := time.NewTicker(r.cfg.PollInterval)
		defer tick.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-tick.C:
			}
			n, err := r.RunOnce(context.Background())
			if err != nil {
				r.logger.Error("outbox pass failed", zap.Error(err))
			} else if n > 0 {
				r.logger.Debug("outbox pass", zap.Int("published", n))
			}
		}
	}()
	r.logger.Info("outbox relay running",
		zap.Int("batch_size", r.cfg.BatchSize),
		zap.Duration("poll_interval", r.cfg.PollInterval))
}

// Stop waits for the pass in flight to finish
func (r *Relay) Stop() {
	close(r.stop)
	<-r.done
}

// RunOnce publishes one batch and returns how many entries left the outbox.
// It is a no-op while another instance holds the relay lock.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.pass")
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, relayLockID).Scan(&locked); err != nil {
		return 0, fmt.Errorf("relay lock: %w", err)
	}
	if !locked {
		return 0, nil
	}

	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload, topic,
		       message_key, created_at, processed_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		ORDER BY id
		LIMIT $1`, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("select pending: %w", err)
	}
	entries, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[OutboxEntry])
	if err != nil {
		return 0, fmt.Errorf("scan pending: %w", err)
	}
	span.SetAttributes(attribute.Int("outbox.batch", len(entries)))

	out := relayBatch(ctx, r.publisher, entries, r.cfg)
	for _, f := range out.failed {
		r.logger.Warn("outbox publish failed",
			zap.Int64("id", f.entry.ID),
			zap.String("event_type", f.entry.EventType),
			zap.Int("retries", f.entry.RetryCount+1),
			zap.Error(f.err))
		if _, err := tx.Exec(ctx,
			`UPDATE outbox SET retry_count = retry_count + 1, last_error = $2 WHERE id = $1`,
			f.entry.ID, f.err.Error()); err != nil {
			return 0, fmt.Errorf("record failure: %w", err)
		}
	}
	for _, e := range out.deadLettered {
		r.logger.Error("outbox entry dead-lettered",
			zap.Int64("id", e.ID),
			zap.String("topic", e.Topic),
			zap.String("event_type", e.EventType))
	}

	finished := append(out.published, out.deadLettered...)
	ids := make([]int64, len(finished))
	for i, e := range finished {
		ids[i] = e.ID
	}
	if len(ids) > 0 {
		if _, err := tx.Exec(ctx, `UPDATE outbox SET processed_at = NOW() WHERE id = ANY($1)`, ids); err != nil {
			return 0, fmt.Errorf("mark processed: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	if r.pending != nil {
		if s, err := r.Stats(ctx); err == nil {
			r.pending.Set(float64(s.Pending))
		}
	}
	return len(ids), nil
}

type publishFailure struct {
	entry *OutboxEntry
	err   error
}

type batchOutcome struct {
	published    []*OutboxEntry
	deadLettered []*OutboxEntry
	failed       []publishFailure
}

// relayBatch publishes entries in order. A key is blocked for the rest of
// the batch after its first failure. Entries already at MaxRetries go to the
// dead-letter topic instead.
func relayBatch(ctx context.Context, pub Publisher, entries []*OutboxEntry, cfg RelayConfig) batchOutcome {
	var out batchOutcome
	blocked := make(map[string]bool)

	for _, e := range entries {
		if e.Key != "" && blocked[e.Key] {
			continue
		}

		if cfg.MaxRetries > 0 && e.RetryCount >= cfg.MaxRetries && cfg.DeadLetterTopic != "" {
			h := e.headers()
			h[HeaderOriginalTopic] = e.Topic
			if e.LastError != nil {
				h[HeaderLastError] = *e.LastError
			}
			if err := pub.Publish(ctx, cfg.DeadLetterTopic, e.Key, e.Payload, h); err != nil {
				out.failed = append(out.failed, publishFailure{e, fmt.Errorf("dead-letter: %w", err)})
				blocked[e.Key] = true
				continue
			}
			out.deadLettered = append(out.deadLettered, e)
			continue
		}

		if err := pub.Publish(ctx, e.Topic, e.Key, e.Payload, e.headers()); err != nil {
			out.failed = append(out.failed, publishFailure{e, err})
			blocked[e.Key] = true
			continue
		}
		out.published = append(out.published, e)
	}
	return out
}

// Cleanup deletes entries processed more than olderThan ago
func (r *Relay) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM outbox WHERE processed_at < $1`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("outbox cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RelayStats describes the unprocessed part of the outbox
type RelayStats struct {
	Pending       int64      `json:"pending"`
	Retrying      int64      `json:"retrying"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// Stats counts unprocessed entries
func (r *Relay) Stats(ctx context.Context) (*RelayStats, error) {
	var s RelayStats
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE retry_count > 0), MIN(created_at)
		FROM outbox WHERE processed_at IS NULL`).Scan(&s.Pending, &s.Retrying, &s.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return &s, nil
}
