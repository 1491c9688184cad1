// Package medication manages the shared medication reference catalogue.
package medication

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when no medication matches the given ID
	ErrNotFound = errors.New("medication not found")
	// ErrValidation wraps input validation failures
	ErrValidation = errors.New("invalid medication")
	// ErrInUse is returned when deleting a medication that prescriptions still reference
	ErrInUse = errors.New("medication is referenced by prescriptions")
)

// Medication is reference data describing a drug and when it is taken.
// It is shared across users.
type Medication struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Dosage         string `json:"dosage"`
	Frequency      string `json:"frequency"`
	When           string `json:"when"`
	SideEffects    string `json:"sideEffects,omitempty"`
	IsRestRequired bool   `json:"isRestRequired"`
}

// Validate checks the required fields
func (m *Medication) Validate() error {
	switch {
	case strings.TrimSpace(m.Name) == "":
		return fieldError("name")
	case strings.TrimSpace(m.Dosage) == "":
		return fieldError("dosage")
	case strings.TrimSpace(m.Frequency) == "":
		return fieldError("frequency")
	case strings.TrimSpace(m.When) == "":
		return fieldError("when")
	}
	return nil
}

// Patch holds a partial update. Nil fields are left unchanged.
type Patch struct {
	Name           *string `json:"name"`
	Dosage         *string `json:"dosage"`
	Frequency      *string `json:"frequency"`
	When           *string `json:"when"`
	SideEffects    *string `json:"sideEffects"`
	IsRestRequired *bool   `json:"isRestRequired"`
}

// Apply copies the set fields of the patch onto m
func (p Patch) Apply(m *Medication) {
	if p.Name != nil {
		m.Name = *p.Name
	}
	if p.Dosage != nil {
		m.Dosage = *p.Dosage
	}
	if p.Frequency != nil {
		m.Frequency = *p.Frequency
	}
	if p.When != nil {
		m.When = *p.When
	}
	if p.SideEffects != nil {
		m.SideEffects = *p.SideEffects
	}
	if p.IsRestRequired != nil {
		m.IsRestRequired = *p.IsRestRequired
	}
}

func fieldError(field string) error {
	return fmt.Errorf("%w: %s is required", ErrValidation, field)
}
