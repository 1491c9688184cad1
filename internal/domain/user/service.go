package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/healthsync/go-healthsync/internal/auth"
)

// TokenIssuer signs session tokens
type TokenIssuer interface {
	Issue(userID, email string) (string, time.Time, error)
}

// Session is returned on successful login
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      *User     `json:"user"`
}

// Service implements sign-up, login and profile use cases
type Service struct {
	store  Store
	tokens TokenIssuer
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a new user service
func NewService(store Store, tokens TokenIssuer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		tokens: tokens,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Signup registers a new account
func (s *Service) Signup(ctx context.Context, in SignupInput) (*User, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	now := s.now()
	u := &User{
		ID:           uuid.New().String(),
		Email:        in.Email,
		Name:         in.Name,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, u); err != nil {
		return nil, err
	}

	s.logger.Info("user signed up", zap.String("user_id", u.ID))
	return u, nil
}

// Login checks credentials and issues a session token. Unknown email and
// wrong password both return ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	u, err := s.store.GetByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := auth.CheckPassword(u.PasswordHash, password); err != nil {
		s.logger.Info("login rejected", zap.String("user_id", u.ID))
		return nil, ErrInvalidCredentials
	}

	token, expires, err := s.tokens.Issue(u.ID, u.Email)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &Session{Token: token, ExpiresAt: expires, User: u}, nil
}

// Get returns the user's profile
func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	return s.store.GetByID(ctx, id)
}

// UpdateMedicalProfile replaces the medical profile fields
func (s *Service) UpdateMedicalProfile(ctx context.Context, id string, in ProfileInput) (*User, error) {
	if err := in.Validate(s.now()); err != nil {
		return nil, err
	}

	u, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	dob := in.DateOfBirth
	u.DateOfBirth = &dob
	u.Gender = in.Gender
	u.BloodGroup = in.BloodGroup
	u.Phone = in.Phone
	u.UpdatedAt = s.now()

	if err := s.store.UpdateProfile(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// SetTelegramChat links the Telegram chat that receives reminders. A nil
// chatID unlinks it.
func (s *Service) SetTelegramChat(ctx context.Context, id string, chatID *int64) error {
	if chatID != nil && *chatID == 0 {
		return fmt.Errorf("%w: telegram chat id must not be zero", ErrValidation)
	}
	if err := s.store.SetTelegramChat(ctx, id, chatID); err != nil {
		return err
	}
	s.logger.Info("telegram chat updated", zap.String("user_id", id), zap.Bool("linked", chatID != nil))
	return nil
}

// ListWithTelegram returns users that receive reminders
func (s *Service) ListWithTelegram(ctx context.Context) ([]*User, error) {
	return s.store.ListWithTelegram(ctx)
}
