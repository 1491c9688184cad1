package health

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Store is the persistence contract for one record type. Every call is
// scoped to the owning user.
type Store[E Entity] interface {
	List(ctx context.Context, userID string) ([]E, error)
	Get(ctx context.Context, userID, id string) (E, error)
	Create(ctx context.Context, e E) error
	Update(ctx context.Context, e E) error
	Delete(ctx context.Context, userID, id string) error
}

// Repository implements Store on Postgres for the record type described by kind
type Repository[E Entity] struct {
	pool   *pgxpool.Pool
	kind   Kind[E]
	logger *zap.Logger
	tracer trace.Tracer

	selectSQL string
	insertSQL string
	updateSQL string
}

// NewRepository creates a repository for kind
func NewRepository[E Entity](pool *pgxpool.Pool, kind Kind[E], logger *zap.Logger) *Repository[E] {
	if logger == nil {
		logger = zap.NewNop()
	}

	cols := strings.Join(kind.Columns, ", ")

	placeholders := make([]string, 0, len(kind.Columns)+3)
	for i := 1; i <= len(kind.Columns)+3; i++ {
		placeholders = append(placeholders, "$"+strconv.Itoa(i))
	}

	sets := make([]string, 0, len(kind.Columns))
	for i, c := range kind.Columns {
		sets = append(sets, c+" = $"+strconv.Itoa(i+3))
	}

	return &Repository[E]{
		pool:   pool,
		kind:   kind,
		logger: logger,
		tracer: otel.Tracer("health"),
		selectSQL: fmt.Sprintf(`SELECT id, user_id, created_at, %s FROM %s`,
			cols, kind.Table),
		insertSQL: fmt.Sprintf(`INSERT INTO %s (id, user_id, created_at, %s) VALUES (%s)`,
			kind.Table, cols, strings.Join(placeholders, ", ")),
		updateSQL: fmt.Sprintf(`UPDATE %s SET %s WHERE user_id = $1 AND id = $2`,
			kind.Table, strings.Join(sets, ", ")),
	}
}

// List returns the user's records in the kind's display order
func (r *Repository[E]) List(ctx context.Context, userID string) ([]E, error) {
	ctx, span := r.span(ctx, "list")
	defer span.End()

	rows, err := r.pool.Query(ctx, r.selectSQL+` WHERE user_id = $1 ORDER BY `+r.kind.OrderBy, userID)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", r.kind.Name, err)
	}
	defer rows.Close()

	var out []E
	for rows.Next() {
		e, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get loads one of the user's records
func (r *Repository[E]) Get(ctx context.Context, userID, id string) (E, error) {
	ctx, span := r.span(ctx, "get")
	defer span.End()

	e, err := r.scan(r.pool.QueryRow(ctx, r.selectSQL+` WHERE user_id = $1 AND id = $2`, userID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		var zero E
		return zero, ErrNotFound
	}
	return e, err
}

// Create inserts a record
func (r *Repository[E]) Create(ctx context.Context, e E) error {
	ctx, span := r.span(ctx, "create")
	defer span.End()

	b := e.base()
	args := append([]any{b.ID, b.UserID, b.CreatedAt}, r.kind.Fields(e)...)
	if _, err := r.pool.Exec(ctx, r.insertSQL, args...); err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert %s: %w", r.kind.Name, err)
	}
	return nil
}

// Update overwrites the record's columns
func (r *Repository[E]) Update(ctx context.Context, e E) error {
	ctx, span := r.span(ctx, "update")
	defer span.End()

	b := e.base()
	args := append([]any{b.UserID, b.ID}, r.kind.Fields(e)...)
	tag, err := r.pool.Exec(ctx, r.updateSQL, args...)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("update %s: %w", r.kind.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes one of the user's records
func (r *Repository[E]) Delete(ctx context.Context, userID, id string) error {
	ctx, span := r.span(ctx, "delete")
	defer span.End()

	tag, err := r.pool.Exec(ctx, `DELETE FROM `+r.kind.Table+` WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", r.kind.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository[E]) scan(row pgx.Row) (E, error) {
	e := r.kind.New()
	b := e.base()
	dest := append([]any{&b.ID, &b.UserID, &b.CreatedAt}, r.kind.Fields(e)...)
	if err := row.Scan(dest...); err != nil {
		var zero E
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, err
		}
		return zero, fmt.Errorf("scan %s: %w", r.kind.Name, err)
	}
	return e, nil
}

func (r *Repository[E]) span(ctx context.Context, op string) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "health_"+op, trace.WithAttributes(attribute.String("table", r.kind.Table)))
}
