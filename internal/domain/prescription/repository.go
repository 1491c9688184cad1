package prescription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/healthsync/go-healthsync/internal/domain/medication"
	"github.com/healthsync/go-healthsync/internal/infrastructure/postgres"
	"github.com/healthsync/go-healthsync/internal/infrastructure/redpanda"
)

// Store is the persistence contract used by the service. Every mutation
// records its event in the same transaction as the row change.
type Store interface {
	ListByUser(ctx context.Context, userID string) ([]*Prescription, error)
	Get(ctx context.Context, userID, id string) (*Prescription, error)
	Create(ctx context.Context, rx *Prescription, event *Event) error
	// Update writes rx only while the stored row still carries prevUpdatedAt
	// and returns ErrConflict otherwise
	Update(ctx context.Context, rx *Prescription, prevUpdatedAt time.Time, event *Event) error
	// ConsumeRefill decrements refills in one statement guarded by
	// refills > 0, then records the event built from the updated row
	ConsumeRefill(ctx context.Context, userID, id string, at time.Time, eventFor func(*Prescription) (*Event, error)) (*Prescription, error)
	Delete(ctx context.Context, userID, id string, event *Event) error
	Events(ctx context.Context, userID, id string) ([]*Event, error)
}

// Repository implements Store on Postgres
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger, tracer: otel.Tracer("prescription")}
}

const selectJoined = `
	SELECT p.id, p.user_id, p.title, p.doctor_name, p.medication_id,
	       p.start_date, p.end_date, p.refills, p.status, p.notes,
	       p.created_at, p.updated_at,
	       m.id, m.name, m.dosage, m.frequency, m."when", m.side_effects, m.is_rest_required
	FROM prescriptions p
	JOIN medications m ON m.id = p.medication_id
`

// ListByUser returns the user's prescriptions with medications embedded,
// newest start date first
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]*Prescription, error) {
	ctx, span := r.span(ctx, "list")
	defer span.End()

	rows, err := r.pool.Query(ctx, selectJoined+` WHERE p.user_id = $1 ORDER BY p.start_date DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}
	defer rows.Close()

	var out []*Prescription
	for rows.Next() {
		rx, err := scanJoined(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rx)
	}
	return out, rows.Err()
}

// Get loads one of the user's prescriptions
func (r *Repository) Get(ctx context.Context, userID, id string) (*Prescription, error) {
	ctx, span := r.span(ctx, "get")
	defer span.End()
	return getJoined(ctx, r.pool, userID, id)
}

// rowQuerier is satisfied by both *pgxpool.Pool and pgx.Tx
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getJoined(ctx context.Context, q rowQuerier, userID, id string) (*Prescription, error) {
	rx, err := scanJoined(q.QueryRow(ctx, selectJoined+` WHERE p.user_id = $1 AND p.id = $2`, userID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rx, err
}

// Create inserts a prescription and its creation event
func (r *Repository) Create(ctx context.Context, rx *Prescription, event *Event) error {
	ctx, span := r.span(ctx, "create")
	defer span.End()

	return r.inTx(ctx, span, event, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO prescriptions
			(id, user_id, title, doctor_name, medication_id, start_date, end_date, refills, status, notes, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`,
			rx.ID, rx.UserID, rx.Title, rx.DoctorName, rx.MedicationID,
			rx.StartDate, rx.EndDate, rx.Refills, rx.Status, rx.Notes,
			rx.CreatedAt, rx.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert prescription: %w", err)
		}
		return nil
	})
}

// Update overwrites the mutable columns of a prescription
func (r *Repository) Update(ctx context.Context, rx *Prescription, prevUpdatedAt time.Time, event *Event) error {
	ctx, span := r.span(ctx, "update")
	defer span.End()

	return r.inTx(ctx, span, event, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE prescriptions
			SET title = $3, doctor_name = $4, medication_id = $5, start_date = $6, end_date = $7,
			    refills = $8, status = $9, notes = $10, updated_at = $11
			WHERE user_id = $1 AND id = $2 AND updated_at = $12
		`,
			rx.UserID, rx.ID, rx.Title, rx.DoctorName, rx.MedicationID,
			rx.StartDate, rx.EndDate, rx.Refills, rx.Status, rx.Notes, rx.UpdatedAt,
			prevUpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update prescription: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return r.missing(ctx, tx, rx.UserID, rx.ID, ErrConflict)
		}
		return nil
	})
}

// ConsumeRefill implements Store
func (r *Repository) ConsumeRefill(ctx context.Context, userID, id string, at time.Time, eventFor func(*Prescription) (*Event, error)) (*Prescription, error) {
	ctx, span := r.span(ctx, "consume_refill")
	defer span.End()

	var rx *Prescription
	err := r.inTxBuilt(ctx, span, func(tx pgx.Tx) (*Event, error) {
		tag, err := tx.Exec(ctx, `
			UPDATE prescriptions
			SET refills = refills - 1, updated_at = $3
			WHERE user_id = $1 AND id = $2 AND refills > 0
		`, userID, id, at)
		if err != nil {
			return nil, fmt.Errorf("consume refill: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, r.missing(ctx, tx, userID, id, ErrNoRefillsLeft)
		}
		if rx, err = getJoined(ctx, tx, userID, id); err != nil {
			return nil, err
		}
		return eventFor(rx)
	})
	if err != nil {
		return nil, err
	}
	return rx, nil
}

// missing tells an absent row from one whose guard failed
func (r *Repository) missing(ctx context.Context, tx pgx.Tx, userID, id string, guardErr error) error {
	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM prescriptions WHERE user_id = $1 AND id = $2)`,
		userID, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check prescription: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	r.logger.Debug("prescription write refused",
		zap.String("id", id), zap.String("user_id", userID), zap.Error(guardErr))
	return guardErr
}

// Delete removes a prescription. Its event history is kept.
func (r *Repository) Delete(ctx context.Context, userID, id string, event *Event) error {
	ctx, span := r.span(ctx, "delete")
	defer span.End()

	return r.inTx(ctx, span, event, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM prescriptions WHERE user_id = $1 AND id = $2`, userID, id)
		if err != nil {
			return fmt.Errorf("delete prescription: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Events returns the recorded history of one of the user's prescriptions
func (r *Repository) Events(ctx context.Context, userID, id string) ([]*Event, error) {
	ctx, span := r.span(ctx, "events")
	defer span.End()

	rows, err := r.pool.Query(ctx, `
		SELECT id, aggregate_id, event_type, event_data, version, timestamp, user_id, correlation_id
		FROM prescription_events
		WHERE user_id = $1 AND aggregate_id = $2
		ORDER BY version ASC
	`, userID, id)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{AggregateType: "Prescription"}
		err := rows.Scan(&e.ID, &e.AggregateID, &e.EventType, &e.EventData, &e.Version,
			&e.Timestamp, &e.UserID, &e.CorrelationID)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// inTx runs fn and then records the event in the history table and the
// outbox, all in one transaction
func (r *Repository) inTx(ctx context.Context, span trace.Span, event *Event, fn func(tx pgx.Tx) error) error {
	return r.inTxBuilt(ctx, span, func(tx pgx.Tx) (*Event, error) {
		return event, fn(tx)
	})
}

// inTxBuilt is inTx for events that depend on what fn wrote
func (r *Repository) inTxBuilt(ctx context.Context, span trace.Span, fn func(tx pgx.Tx) (*Event, error)) error {
	err := func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		event, err := fn(tx)
		if err != nil {
			return err
		}
		if err := r.recordEvent(ctx, tx, event); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		span.SetAttributes(attribute.String("event.type", string(event.EventType)))
		return nil
	}()
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrConflict) && !errors.Is(err, ErrNoRefillsLeft) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Repository) span(ctx context.Context, op string) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "prescription_"+op, trace.WithAttributes(attribute.String("table", "prescriptions")))
}

func (r *Repository) recordEvent(ctx context.Context, tx pgx.Tx, event *Event) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO prescription_events
		(id, aggregate_id, event_type, event_data, version, timestamp, user_id, correlation_id)
		VALUES ($1, $2, $3, $4,
		        (SELECT COALESCE(MAX(version), 0) + 1 FROM prescription_events WHERE aggregate_id = $2),
		        $5, $6, $7)
		RETURNING version
	`,
		event.ID, event.AggregateID, event.EventType, event.EventData,
		event.Timestamp, event.UserID, event.CorrelationID,
	).Scan(&event.Version)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		EventType:     string(event.EventType),
		Payload:       payload,
		Topic:         redpanda.TopicPrescriptionEvents,
		Key:           event.UserID,
	})
}

func scanJoined(row pgx.Row) (*Prescription, error) {
	rx := &Prescription{Medication: &medication.Medication{}}
	m := rx.Medication
	err := row.Scan(
		&rx.ID, &rx.UserID, &rx.Title, &rx.DoctorName, &rx.MedicationID,
		&rx.StartDate, &rx.EndDate, &rx.Refills, &rx.Status, &rx.Notes,
		&rx.CreatedAt, &rx.UpdatedAt,
		&m.ID, &m.Name, &m.Dosage, &m.Frequency, &m.When, &m.SideEffects, &m.IsRestRequired,
	)
	if err != nil {
		return nil, err
	}
	return rx, nil
}
