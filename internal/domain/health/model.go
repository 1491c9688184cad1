// Package health manages the owner-scoped parts of a patient's record:
// chronic conditions, allergies, current medications, insurance,
// appointments and medical records.
package health

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	ErrNotFound   = errors.New("record not found")
	ErrValidation = errors.New("invalid record")
)

// AppointmentScheduled is the status given to new appointments
const AppointmentScheduled = "Scheduled"

var clockPattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// Base holds the columns every record shares
type Base struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

func (b *Base) base() *Base { return b }

// Entity is implemented by every record type
type Entity interface {
	Validate() error
	base() *Base
}

// ChronicCondition is a long-term diagnosis
type ChronicCondition struct {
	Base
	Condition     string `json:"condition"`
	DiagnosisDate *Date  `json:"diagnosisDate,omitempty"`
	Severity      string `json:"severity,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

func (c *ChronicCondition) Validate() error {
	return required("condition", c.Condition)
}

// Allergy is a known allergic reaction
type Allergy struct {
	Base
	Type     string `json:"type"`
	Name     string `json:"name"`
	Severity string `json:"severity,omitempty"`
	Reaction string `json:"reaction,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

func (a *Allergy) Validate() error {
	return required("type", a.Type, "name", a.Name)
}

// CurrentMedication is a medication the patient reports taking, independent
// of the prescription catalogue
type CurrentMedication struct {
	Base
	Name         string `json:"name"`
	Dosage       string `json:"dosage"`
	Frequency    string `json:"frequency"`
	StartDate    Date   `json:"startDate"`
	EndDate      *Date  `json:"endDate,omitempty"`
	PrescribedBy string `json:"prescribedBy,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

func (m *CurrentMedication) Validate() error {
	if err := required("name", m.Name, "dosage", m.Dosage, "frequency", m.Frequency); err != nil {
		return err
	}
	return dateRange(m.StartDate, m.EndDate)
}

// Insurance is a coverage policy
type Insurance struct {
	Base
	Provider     string `json:"provider"`
	PolicyNumber string `json:"policyNumber"`
	CoverageType string `json:"coverageType"`
	StartDate    Date   `json:"startDate"`
	GroupNumber  string `json:"groupNumber,omitempty"`
	EndDate      *Date  `json:"endDate,omitempty"`
	IsActive     bool   `json:"isActive"`
}

func (i *Insurance) Validate() error {
	if err := required("provider", i.Provider, "policyNumber", i.PolicyNumber, "coverageType", i.CoverageType); err != nil {
		return err
	}
	return dateRange(i.StartDate, i.EndDate)
}

// Appointment is a scheduled visit
type Appointment struct {
	Base
	DoctorName   string `json:"doctorName"`
	Date         Date   `json:"date"`
	Time         string `json:"time"`
	Type         string `json:"type"`
	HospitalName string `json:"hospitalName,omitempty"`
	Notes        string `json:"notes,omitempty"`
	Status       string `json:"status"`
}

func (a *Appointment) Validate() error {
	if err := required("doctorName", a.DoctorName, "type", a.Type); err != nil {
		return err
	}
	if a.Date.IsZero() {
		return fmt.Errorf("%w: date is required", ErrValidation)
	}
	if !clockPattern.MatchString(a.Time) {
		return fmt.Errorf("%w: time must be HH:MM", ErrValidation)
	}
	return nil
}

// MedicalRecord is a dated clinical document such as a lab report
type MedicalRecord struct {
	Base
	RecordType   string `json:"recordType"`
	Title        string `json:"title"`
	Date         Date   `json:"date"`
	Description  string `json:"description,omitempty"`
	DoctorName   string `json:"doctorName,omitempty"`
	HospitalName string `json:"hospitalName,omitempty"`
	FileURL      string `json:"fileUrl,omitempty"`
}

func (r *MedicalRecord) Validate() error {
	if err := required("recordType", r.RecordType, "title", r.Title); err != nil {
		return err
	}
	if r.Date.IsZero() {
		return fmt.Errorf("%w: date is required", ErrValidation)
	}
	return nil
}

// required takes name/value pairs and reports the first blank value
func required(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return fmt.Errorf("%w: %s is required", ErrValidation, pairs[i])
		}
	}
	return nil
}

func dateRange(start Date, end *Date) error {
	if start.IsZero() {
		return fmt.Errorf("%w: startDate is required", ErrValidation)
	}
	if end != nil && !end.IsZero() && end.Before(start.Time) {
		return fmt.Errorf("%w: endDate must not be before startDate", ErrValidation)
	}
	return nil
}
