// Package healthcard builds the shareable health card: the public summary
// behind the QR link, the QR code itself and a printable PDF.
package healthcard

import (
	"context"
	"fmt"
	"sort"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/healthsync/go-healthsync/internal/domain/health"
	"github.com/healthsync/go-healthsync/internal/domain/prescription"
	"github.com/healthsync/go-healthsync/internal/domain/schedule"
	"github.com/healthsync/go-healthsync/internal/domain/user"
)

// QRSize is the edge length of the generated PNG in pixels
const QRSize = 256

// Lister loads one kind of health record for a user
type Lister[E any] interface {
	List(ctx context.Context, userID string) ([]E, error)
}

// UserGetter loads a user profile
type UserGetter interface {
	Get(ctx context.Context, id string) (*user.User, error)
}

// Sources are the services the card reads from
type Sources struct {
	Users         UserGetter
	Conditions    Lister[*health.ChronicCondition]
	Allergies     Lister[*health.Allergy]
	Appointments  Lister[*health.Appointment]
	Prescriptions Lister[*prescription.Prescription]
}

// Summary is the public view of a user's health card
type Summary struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	ImageURL          string           `json:"imageUrl,omitempty"`
	Gender            string           `json:"gender,omitempty"`
	BloodGroup        string           `json:"bloodGroup,omitempty"`
	Age               *int             `json:"age,omitempty"`
	Conditions        []string         `json:"conditions"`
	Allergies         []AllergyLine    `json:"allergies"`
	ActiveMedications []MedicationLine `json:"activeMedications"`

	// Appointments are only printed on the PDF, never exposed publicly
	Appointments []*health.Appointment `json:"-"`
}

// AllergyLine is one allergy on the card
type AllergyLine struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Severity string `json:"severity,omitempty"`
}

// MedicationLine is one active prescription on the card
type MedicationLine struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage"`
	Frequency string `json:"frequency"`
	When      string `json:"when"`
}

// Service assembles health cards
type Service struct {
	src     Sources
	baseURL string
	loc     *time.Location
	now     func() time.Time
	logger  *zap.Logger
}

// NewService creates a card service. baseURL is the public origin that
// serves /medical_details/{id}.
func NewService(src Sources, baseURL string, loc *time.Location, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{src: src, baseURL: baseURL, loc: loc, now: time.Now, logger: logger}
}

// DetailsURL is the link encoded in the QR code
func (s *Service) DetailsURL(userID string) string {
	return fmt.Sprintf("%s/medical_details/%s", s.baseURL, userID)
}

// QR returns a PNG QR code pointing at the user's public details
func (s *Service) QR(userID string) ([]byte, error) {
	png, err := qrcode.Encode(s.DetailsURL(userID), qrcode.Medium, QRSize)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}

// Summary collects the card contents. Returns user.ErrNotFound for unknown ids.
func (s *Service) Summary(ctx context.Context, userID string) (*Summary, error) {
	u, err := s.src.Users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	today := s.now().In(s.loc)

	sum := &Summary{
		ID:                u.ID,
		Name:              u.Name,
		ImageURL:          u.ImageURL,
		Gender:            u.Gender,
		BloodGroup:        u.BloodGroup,
		Conditions:        []string{},
		Allergies:         []AllergyLine{},
		ActiveMedications: []MedicationLine{},
	}
	if u.DateOfBirth != nil {
		age := user.Age(*u.DateOfBirth, today)
		sum.Age = &age
	}

	conditions, err := s.src.Conditions.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load conditions: %w", err)
	}
	for _, c := range conditions {
		sum.Conditions = append(sum.Conditions, c.Condition)
	}

	allergies, err := s.src.Allergies.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load allergies: %w", err)
	}
	for _, a := range allergies {
		sum.Allergies = append(sum.Allergies, AllergyLine{Name: a.Name, Type: a.Type, Severity: a.Severity})
	}

	rxs, err := s.src.Prescriptions.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load prescriptions: %w", err)
	}
	for _, rx := range schedule.ActivePrescriptions(rxs, today) {
		if rx.Medication == nil {
			continue
		}
		m := rx.Medication
		sum.ActiveMedications = append(sum.ActiveMedications, MedicationLine{
			Name: m.Name, Dosage: m.Dosage, Frequency: m.Frequency, When: m.When,
		})
	}

	appointments, err := s.src.Appointments.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load appointments: %w", err)
	}
	sum.Appointments = upcoming(appointments, today)

	return sum, nil
}

// upcoming keeps scheduled appointments from today on, soonest first
func upcoming(appointments []*health.Appointment, today time.Time) []*health.Appointment {
	day := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	var out []*health.Appointment
	for _, a := range appointments {
		if a.Status != health.AppointmentScheduled {
			continue
		}
		d := a.Date.Time
		if time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC).Before(day) {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date.Time) {
			return out[i].Date.Before(out[j].Date.Time)
		}
		return out[i].Time < out[j].Time
	})
	return out
}
