package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle position of an inbox entry.
//
//	STARTED -> FINISHED
//	STARTED -> RECOVERABLE -> STARTED ...
//	STARTED -> FAILED
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Entry is one row of the inbox
type Entry struct {
	IdempotencyKey string
	HandlerName    string
	Status         Status
	Payload        json.RawMessage
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
}

// Claim is the outcome of Store.Claim
type Claim int

const (
	// ClaimHeld means another status owns the key and nothing changed
	ClaimHeld Claim = iota
	// ClaimNew means the key was inserted as STARTED
	ClaimNew
	// ClaimRecovered means a RECOVERABLE entry was moved back to STARTED
	ClaimRecovered
)

// Stats counts inbox entries by status
type Stats struct {
	TotalEntries int64 `json:"total"`
	Started      int64 `json:"started"`
	Finished     int64 `json:"finished"`
	Recoverable  int64 `json:"recoverable"`
	Failed       int64 `json:"failed"`
}

// Store persists inbox entries. Claim must be atomic.
type Store interface {
	Claim(ctx context.Context, key, handlerName string, payload json.RawMessage, expiresAt time.Time) (Claim, error)
	// Get returns ErrEntryNotFound for unknown keys
	Get(ctx context.Context, key string) (*Entry, error)
	// SetStatus keeps the previous result when result is nil
	SetStatus(ctx context.Context, key string, status Status, result json.RawMessage) error
	DeleteExpired(ctx context.Context, finishedRetention time.Duration) (int64, error)
	RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error)
	Stats(ctx context.Context) (*Stats, error)
}

var (
	ErrEntryNotFound     = errors.New("idempotency: entry not found")
	ErrDuplicateMessage  = errors.New("idempotency: already processed")
	ErrMessageInProgress = errors.New("idempotency: in progress elsewhere")
	ErrPreviouslyFailed  = errors.New("idempotency: failed permanently before")
)

type terminal struct{ error }

func (t terminal) Unwrap() error { return t.error }

// Terminal marks a handler error as final. The key is recorded as FAILED
// and later deliveries return ErrPreviouslyFailed.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return terminal{err}
}

// IsTerminal reports whether err, or anything it wraps, came from Terminal
func IsTerminal(err error) bool {
	var t terminal
	return errors.As(err, &t)
}
