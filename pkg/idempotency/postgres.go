package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps inbox entries in the inbox table
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store backed by pool
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Get retrieves an inbox entry by key
func (s *PostgresStore) Get(ctx context.Context, key string) (*Entry, error) {
	query := `
		SELECT idempotency_key, handler_name, status, payload, result, created_at, updated_at, expires_at
		FROM inbox
		WHERE idempotency_key = $1
	`

	entry := &Entry{}
	err := s.pool.QueryRow(ctx, query, key).Scan(
		&entry.IdempotencyKey, &entry.HandlerName, &entry.Status,
		&entry.Payload, &entry.Result, &entry.CreatedAt, &entry.UpdatedAt, &entry.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Claim inserts key as STARTED, or restarts it when RECOVERABLE. xmax is
// zero only on a freshly inserted row, which separates new from recovered.
func (s *PostgresStore) Claim(ctx context.Context, key, handlerName string, payload json.RawMessage, expiresAt time.Time) (Claim, error) {
	var inserted bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, 'STARTED', $3, $4)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = 'STARTED', handler_name = EXCLUDED.handler_name, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING (xmax = 0)
	`, key, handlerName, payload, expiresAt).Scan(&inserted)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ClaimHeld, nil
	case err != nil:
		return ClaimHeld, err
	case inserted:
		return ClaimNew, nil
	}
	return ClaimRecovered, nil
}

// SetStatus records the status and an optional result
func (s *PostgresStore) SetStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	query := `
		UPDATE inbox
		SET status = $1, result = COALESCE($2, result), updated_at = NOW()
		WHERE idempotency_key = $3
	`

	_, err := s.pool.Exec(ctx, query, status, result, key)
	return err
}

// DeleteExpired removes expired entries and finished ones past retention
func (s *PostgresStore) DeleteExpired(ctx context.Context, finishedRetention time.Duration) (int64, error) {
	query := `
		DELETE FROM inbox
		WHERE expires_at < NOW()
		   OR (status = 'FINISHED' AND updated_at < NOW() - $1::interval)
	`

	result, err := s.pool.Exec(ctx, query, finishedRetention.String())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// RecoverStale marks STARTED entries older than olderThan as RECOVERABLE
func (s *PostgresStore) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		UPDATE inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED'
		  AND updated_at < NOW() - $1::interval
	`

	result, err := s.pool.Exec(ctx, query, olderThan.String())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// Stats returns counts by status
func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'STARTED'),
			COUNT(*) FILTER (WHERE status = 'FINISHED'),
			COUNT(*) FILTER (WHERE status = 'RECOVERABLE'),
			COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM inbox
	`

	stats := &Stats{}
	err := s.pool.QueryRow(ctx, query).Scan(
		&stats.TotalEntries, &stats.Started, &stats.Finished,
		&stats.Recoverable, &stats.Failed,
	)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
