package medication

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store is the persistence contract for the medication catalogue
type Store interface {
	List(ctx context.Context) ([]*Medication, error)
	Get(ctx context.Context, id string) (*Medication, error)
	Create(ctx context.Context, m *Medication) error
	Update(ctx context.Context, id string, patch Patch) (*Medication, error)
	Delete(ctx context.Context, id string) error
}

// Repository implements Store on Postgres
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

const selectColumns = `id, name, dosage, frequency, "when", side_effects, is_rest_required`

// List returns every medication ordered by name
func (r *Repository) List(ctx context.Context) ([]*Medication, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+selectColumns+` FROM medications ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list medications: %w", err)
	}
	defer rows.Close()

	var meds []*Medication
	for rows.Next() {
		m, err := scanMedication(rows)
		if err != nil {
			return nil, err
		}
		meds = append(meds, m)
	}
	return meds, rows.Err()
}

// Get loads a medication by ID
func (r *Repository) Get(ctx context.Context, id string) (*Medication, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM medications WHERE id = $1`, id)
	m, err := scanMedication(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// Create inserts a medication, assigning a new ID
func (r *Repository) Create(ctx context.Context, m *Medication) error {
	m.ID = uuid.New().String()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO medications (id, name, dosage, frequency, "when", side_effects, is_rest_required)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, m.ID, m.Name, m.Dosage, m.Frequency, m.When, m.SideEffects, m.IsRestRequired)
	if err != nil {
		return fmt.Errorf("insert medication: %w", err)
	}
	return nil
}

// Update applies a partial update and returns the stored result
func (r *Repository) Update(ctx context.Context, id string, patch Patch) (*Medication, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+selectColumns+` FROM medications WHERE id = $1 FOR UPDATE`, id)
	m, err := scanMedication(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	patch.Apply(m)
	if err := m.Validate(); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE medications
		SET name = $2, dosage = $3, frequency = $4, "when" = $5, side_effects = $6, is_rest_required = $7
		WHERE id = $1
	`, m.ID, m.Name, m.Dosage, m.Frequency, m.When, m.SideEffects, m.IsRestRequired)
	if err != nil {
		return nil, fmt.Errorf("update medication: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return m, nil
}

// Delete removes a medication
func (r *Repository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM medications WHERE id = $1`, id)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return ErrInUse
	}
	if err != nil {
		return fmt.Errorf("delete medication: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	r.logger.Debug("medication deleted", zap.String("id", id))
	return nil
}

func scanMedication(row pgx.Row) (*Medication, error) {
	m := &Medication{}
	err := row.Scan(&m.ID, &m.Name, &m.Dosage, &m.Frequency, &m.When, &m.SideEffects, &m.IsRestRequired)
	if err != nil {
		return nil, err
	}
	return m, nil
}
