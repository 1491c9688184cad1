package prescription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/healthsync/go-healthsync/internal/domain/medication"
)

// MedicationLookup resolves medication IDs against the catalogue
type MedicationLookup interface {
	Get(ctx context.Context, id string) (*medication.Medication, error)
}

// Service implements the prescription use cases
type Service struct {
	store  Store
	meds   MedicationLookup
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a new prescription service
func NewService(store Store, meds MedicationLookup, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		meds:   meds,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// List returns all of the user's prescriptions with medications embedded
func (s *Service) List(ctx context.Context, userID string) ([]*Prescription, error) {
	return s.store.ListByUser(ctx, userID)
}

// Get returns one of the user's prescriptions
func (s *Service) Get(ctx context.Context, userID, id string) (*Prescription, error) {
	return s.store.Get(ctx, userID, id)
}

// History returns the event history of a prescription
func (s *Service) History(ctx context.Context, userID, id string) ([]*Event, error) {
	if _, err := s.store.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	return s.store.Events(ctx, userID, id)
}

// Create adds a prescription for the user
func (s *Service) Create(ctx context.Context, userID, correlationID string, in CreateInput) (*Prescription, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	med, err := s.lookupMedication(ctx, in.MedicationID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	rx := &Prescription{
		ID:           uuid.New().String(),
		UserID:       userID,
		Title:        in.Title,
		DoctorName:   in.DoctorName,
		MedicationID: in.MedicationID,
		StartDate:    in.StartDate,
		EndDate:      in.EndDate,
		Refills:      in.Refills,
		Status:       StatusActive,
		Notes:        in.Notes,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	event, err := NewEvent(rx.ID, userID, EventPrescriptionCreated, &PrescriptionCreatedData{
		PrescriptionID: rx.ID,
		MedicationID:   rx.MedicationID,
		MedicationName: med.Name,
		Title:          rx.Title,
		DoctorName:     rx.DoctorName,
		StartDate:      rx.StartDate,
		EndDate:        rx.EndDate,
		Refills:        rx.Refills,
	})
	if err != nil {
		return nil, err
	}
	event.WithCorrelation(correlationID)

	if err := s.store.Create(ctx, rx, event); err != nil {
		return nil, err
	}

	rx.Medication = med
	s.logger.Info("prescription created",
		zap.String("id", rx.ID),
		zap.String("user_id", userID),
		zap.String("medication_id", rx.MedicationID))
	return rx, nil
}

// Update applies a partial update to one of the user's prescriptions
func (s *Service) Update(ctx context.Context, userID, id, correlationID string, patch Patch) (*Prescription, error) {
	rx, err := s.store.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	prev := rx.UpdatedAt
	changed := patch.Apply(rx)
	if len(changed) == 0 {
		return rx, nil
	}
	if err := rx.Validate(); err != nil {
		return nil, err
	}

	if patch.MedicationID != nil && (rx.Medication == nil || rx.Medication.ID != rx.MedicationID) {
		med, err := s.lookupMedication(ctx, rx.MedicationID)
		if err != nil {
			return nil, err
		}
		rx.Medication = med
	}
	rx.UpdatedAt = s.now()

	event, err := NewEvent(rx.ID, userID, EventPrescriptionUpdated, &PrescriptionUpdatedData{
		PrescriptionID: rx.ID,
		Fields:         changed,
	})
	if err != nil {
		return nil, err
	}
	event.WithCorrelation(correlationID)

	if err := s.store.Update(ctx, rx, prev, event); err != nil {
		return nil, err
	}
	return rx, nil
}

// Delete removes one of the user's prescriptions
func (s *Service) Delete(ctx context.Context, userID, id, correlationID string) error {
	event, err := NewEvent(id, userID, EventPrescriptionDeleted, &PrescriptionDeletedData{
		PrescriptionID: id,
		DeletedAt:      s.now(),
	})
	if err != nil {
		return err
	}
	event.WithCorrelation(correlationID)

	if err := s.store.Delete(ctx, userID, id, event); err != nil {
		return err
	}
	s.logger.Info("prescription deleted", zap.String("id", id), zap.String("user_id", userID))
	return nil
}

// RequestRefill consumes one refill and emits a RefillRequested event.
// Concurrent requests never take more refills than remain.
func (s *Service) RequestRefill(ctx context.Context, userID, id, correlationID string) (*Prescription, error) {
	at := s.now()
	rx, err := s.store.ConsumeRefill(ctx, userID, id, at, func(rx *Prescription) (*Event, error) {
		event, err := NewEvent(rx.ID, userID, EventRefillRequested, &RefillRequestedData{
			PrescriptionID:   rx.ID,
			MedicationID:     rx.MedicationID,
			RefillsRemaining: rx.Refills,
			RequestedAt:      at,
		})
		if err != nil {
			return nil, err
		}
		return event.WithCorrelation(correlationID), nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("refill requested",
		zap.String("id", rx.ID),
		zap.Int("refills_remaining", rx.Refills))
	return rx, nil
}

func (s *Service) lookupMedication(ctx context.Context, id string) (*medication.Medication, error) {
	med, err := s.meds.Get(ctx, id)
	if errors.Is(err, medication.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown medication %s", ErrValidation, id)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup medication: %w", err)
	}
	return med, nil
}
