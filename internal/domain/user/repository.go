package user

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store is the persistence contract used by the service
type Store interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	UpdateProfile(ctx context.Context, u *User) error
	SetTelegramChat(ctx context.Context, id string, chatID *int64) error
	ListWithTelegram(ctx context.Context) ([]*User, error)
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

const selectUser = `
	SELECT id, email, name, password_hash, date_of_birth, gender, blood_group,
	       phone, image_url, telegram_chat_id, created_at, updated_at
	FROM users
`

// Create inserts a new user. A duplicate email returns ErrEmailTaken.
func (r *Repository) Create(ctx context.Context, u *User) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (id, email, name, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, u.ID, u.Email, u.Name, u.PasswordHash, u.CreatedAt, u.UpdatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetByID loads a user by ID
func (r *Repository) GetByID(ctx context.Context, id string) (*User, error) {
	return r.getOne(ctx, selectUser+` WHERE id = $1`, id)
}

// GetByEmail loads a user by email
func (r *Repository) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.getOne(ctx, selectUser+` WHERE email = $1`, email)
}

// UpdateProfile writes the medical profile columns
func (r *Repository) UpdateProfile(ctx context.Context, u *User) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users
		SET date_of_birth = $2, gender = $3, blood_group = $4, phone = $5, updated_at = $6
		WHERE id = $1
	`, u.ID, u.DateOfBirth, u.Gender, u.BloodGroup, u.Phone, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTelegramChat links or, with a nil chatID, unlinks a Telegram chat
func (r *Repository) SetTelegramChat(ctx context.Context, id string, chatID *int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET telegram_chat_id = $2, updated_at = NOW() WHERE id = $1
	`, id, chatID)
	if err != nil {
		return fmt.Errorf("set telegram chat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWithTelegram returns users that have linked a Telegram chat
func (r *Repository) ListWithTelegram(ctx context.Context) ([]*User, error) {
	rows, err := r.pool.Query(ctx, selectUser+` WHERE telegram_chat_id IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list telegram users: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (r *Repository) getOne(ctx context.Context, query string, arg string) (*User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

func scanUser(row pgx.Row) (*User, error) {
	u := &User{}
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.DateOfBirth,
		&u.Gender, &u.BloodGroup, &u.Phone, &u.ImageURL, &u.TelegramChatID,
		&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}
