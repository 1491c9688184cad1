// Package prescription manages user prescriptions and their lifecycle events.
package prescription

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/healthsync/go-healthsync/internal/domain/medication"
)

// StatusActive is the status label assigned on creation. Whether a
// prescription is currently in effect is derived from its dates, not from
// this label.
const StatusActive = "Active"

var (
	ErrNotFound      = errors.New("prescription not found")
	ErrValidation    = errors.New("invalid prescription")
	ErrNoRefillsLeft = errors.New("no refills left")
	ErrConflict      = errors.New("prescription changed concurrently")
)

// Prescription links one medication to a doctor and a validity range.
// Medication is populated on reads; writes only need MedicationID.
type Prescription struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"userId"`
	Title        string                 `json:"title"`
	DoctorName   string                 `json:"doctorName"`
	MedicationID string                 `json:"medicationId"`
	Medication   *medication.Medication `json:"medication,omitempty"`
	StartDate    time.Time              `json:"startDate"`
	EndDate      *time.Time             `json:"endDate,omitempty"`
	Refills      int                    `json:"refills"`
	Status       string                 `json:"status"`
	Notes        string                 `json:"notes,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

// CreateInput carries the fields accepted when adding a prescription
type CreateInput struct {
	Title        string
	DoctorName   string
	MedicationID string
	StartDate    time.Time
	EndDate      *time.Time
	Refills      int
	Notes        string
}

// Validate checks required fields and the date range
func (in CreateInput) Validate() error {
	switch {
	case strings.TrimSpace(in.Title) == "":
		return fieldError("title is required")
	case strings.TrimSpace(in.DoctorName) == "":
		return fieldError("doctorName is required")
	case strings.TrimSpace(in.MedicationID) == "":
		return fieldError("medicationId is required")
	case in.StartDate.IsZero():
		return fieldError("startDate is required")
	case in.Refills < 0:
		return fieldError("refills must not be negative")
	}
	return validateRange(in.StartDate, in.EndDate)
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Title        *string
	DoctorName   *string
	MedicationID *string
	StartDate    *time.Time
	EndDate      *time.Time
	Refills      *int
	Status       *string
	Notes        *string
}

// Apply copies set fields onto rx and returns the names of the fields that changed
func (p Patch) Apply(rx *Prescription) []string {
	var changed []string
	setString := func(name string, dst *string, v *string) {
		if v != nil && *dst != *v {
			*dst = *v
			changed = append(changed, name)
		}
	}

	setString("title", &rx.Title, p.Title)
	setString("doctorName", &rx.DoctorName, p.DoctorName)
	setString("medicationId", &rx.MedicationID, p.MedicationID)
	setString("status", &rx.Status, p.Status)
	setString("notes", &rx.Notes, p.Notes)

	if p.StartDate != nil && !p.StartDate.Equal(rx.StartDate) {
		rx.StartDate = *p.StartDate
		changed = append(changed, "startDate")
	}
	if p.EndDate != nil && (rx.EndDate == nil || !p.EndDate.Equal(*rx.EndDate)) {
		end := *p.EndDate
		rx.EndDate = &end
		changed = append(changed, "endDate")
	}
	if p.Refills != nil && *p.Refills != rx.Refills {
		rx.Refills = *p.Refills
		changed = append(changed, "refills")
	}
	return changed
}

// Validate checks an already constructed prescription, used after patches
func (rx *Prescription) Validate() error {
	in := CreateInput{
		Title:        rx.Title,
		DoctorName:   rx.DoctorName,
		MedicationID: rx.MedicationID,
		StartDate:    rx.StartDate,
		EndDate:      rx.EndDate,
		Refills:      rx.Refills,
	}
	return in.Validate()
}

func validateRange(start time.Time, end *time.Time) error {
	if end == nil {
		return nil
	}
	if end.Before(start) {
		return fieldError("endDate must not be before startDate")
	}
	return nil
}

func fieldError(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}
