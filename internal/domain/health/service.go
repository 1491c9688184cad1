package health

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service implements list, add, partial update and delete for one record type
type Service[E Entity] struct {
	store  Store[E]
	kind   Kind[E]
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a service for kind
func NewService[E Entity](store Store[E], kind Kind[E], logger *zap.Logger) *Service[E] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service[E]{
		store:  store,
		kind:   kind,
		logger: logger.With(zap.String("kind", kind.Name)),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Kind returns the record type served
func (s *Service[E]) Kind() Kind[E] { return s.kind }

// List returns the user's records
func (s *Service[E]) List(ctx context.Context, userID string) ([]E, error) {
	return s.store.List(ctx, userID)
}

// Add validates e and stores it for the user. The ID, owner and creation
// time are assigned here whatever the caller set.
func (s *Service[E]) Add(ctx context.Context, userID string, e E) (E, error) {
	var zero E
	if err := e.Validate(); err != nil {
		return zero, err
	}

	b := e.base()
	b.ID = uuid.New().String()
	b.UserID = userID
	b.CreatedAt = s.now()

	if err := s.store.Create(ctx, e); err != nil {
		return zero, err
	}
	s.logger.Info("record added", zap.String("id", b.ID), zap.String("user_id", userID))
	return e, nil
}

// Update loads the record, lets apply overwrite the provided fields and
// stores the result. The ID, owner and creation time cannot be changed.
func (s *Service[E]) Update(ctx context.Context, userID, id string, apply func(E) error) (E, error) {
	var zero E

	e, err := s.store.Get(ctx, userID, id)
	if err != nil {
		return zero, err
	}

	keep := *e.base()
	if err := apply(e); err != nil {
		return zero, err
	}
	*e.base() = keep

	if err := e.Validate(); err != nil {
		return zero, err
	}
	if err := s.store.Update(ctx, e); err != nil {
		return zero, err
	}
	return e, nil
}

// Delete removes one of the user's records
func (s *Service[E]) Delete(ctx context.Context, userID, id string) error {
	if err := s.store.Delete(ctx, userID, id); err != nil {
		return err
	}
	s.logger.Info("record deleted", zap.String("id", id), zap.String("user_id", userID))
	return nil
}
