// Package schedule derives medication schedules from a user's prescriptions.
//
// Every function is pure: the reference date is always passed in, nothing
// reads the wall clock, and inputs are never modified. Dates are compared by
// calendar day; time of day and location are ignored.
package schedule

import (
	"strings"
	"time"

	"github.com/healthsync/go-healthsync/internal/domain/medication"
	"github.com/healthsync/go-healthsync/internal/domain/prescription"
)

// Period is a time-of-day bucket
type Period string

const (
	Morning   Period = "Morning"
	Afternoon Period = "Afternoon"
	Evening   Period = "Evening"
	Night     Period = "Night"
)

// Periods lists the buckets in display order
var Periods = []Period{Morning, Afternoon, Evening, Night}

// ParsePeriod matches a period name case-insensitively
func ParsePeriod(s string) (Period, bool) {
	for _, p := range Periods {
		if strings.EqualFold(strings.TrimSpace(s), string(p)) {
			return p, true
		}
	}
	return "", false
}

// ParseWeekday matches an English weekday name case-insensitively
func ParseWeekday(s string) (time.Weekday, bool) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(strings.TrimSpace(s), d.String()) {
			return d, true
		}
	}
	return 0, false
}

// IsActiveOn reports whether rx is in effect on date: its start date is on
// or before date, and its end date is absent or on or after date.
func IsActiveOn(rx *prescription.Prescription, date time.Time) bool {
	day := civil(date)
	if civil(rx.StartDate) > day {
		return false
	}
	return rx.EndDate == nil || civil(*rx.EndDate) >= day
}

// CurrentWeekDates returns Sunday through Saturday of the week containing
// ref, at midnight in ref's location.
func CurrentWeekDates(ref time.Time) [7]time.Time {
	sunday := time.Date(ref.Year(), ref.Month(), ref.Day()-int(ref.Weekday()), 0, 0, 0, 0, ref.Location())

	var week [7]time.Time
	for i := range week {
		week[i] = sunday.AddDate(0, 0, i)
	}
	return week
}

// MedicationsForWeekday returns the medications of prescriptions active on
// the day named weekday ("Sunday".."Saturday") in the week containing ref.
// An unknown weekday name yields nil.
func MedicationsForWeekday(weekday string, prescriptions []*prescription.Prescription, meds []*medication.Medication, ref time.Time) []*medication.Medication {
	var target time.Time
	found := false
	for _, d := range CurrentWeekDates(ref) {
		if d.Weekday().String() == weekday {
			target, found = d, true
			break
		}
	}
	if !found {
		return nil
	}

	ids := make(map[string]struct{})
	for _, rx := range prescriptions {
		if IsActiveOn(rx, target) {
			ids[rx.MedicationID] = struct{}{}
		}
	}
	return selectByID(meds, ids)
}

// TodaysMedications returns the medications of prescriptions active today.
//
// Prescriptions may arrive with their medication embedded or with only a
// MedicationID. Embedded medications are used directly; bare IDs are joined
// against meds. Each medication appears once.
func TodaysMedications(prescriptions []*prescription.Prescription, meds []*medication.Medication, today time.Time) []*medication.Medication {
	var out []*medication.Medication
	seen := make(map[string]struct{})
	joinIDs := make(map[string]struct{})

	for _, rx := range prescriptions {
		if !IsActiveOn(rx, today) {
			continue
		}
		if rx.Medication == nil {
			joinIDs[rx.MedicationID] = struct{}{}
			continue
		}
		if _, dup := seen[rx.Medication.ID]; dup {
			continue
		}
		seen[rx.Medication.ID] = struct{}{}
		out = append(out, rx.Medication)
	}

	for _, m := range selectByID(meds, joinIDs) {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

// MedicationsByTimePeriod keeps the medications whose free-text When field
// falls in period. The buckets overlap: a medication can match more than one.
func MedicationsByTimePeriod(period Period, meds []*medication.Medication) []*medication.Medication {
	var out []*medication.Medication
	for _, m := range meds {
		if InPeriod(period, m.When) {
			out = append(out, m)
		}
	}
	return out
}

// InPeriod classifies a free-text When value
func InPeriod(period Period, when string) bool {
	switch period {
	case Morning:
		return when == "Morning" || strings.Contains(when, "Breakfast") || strings.Contains(when, "AM")
	case Afternoon:
		return when == "Afternoon" || strings.Contains(when, "Lunch")
	case Evening:
		return when == "Evening" || strings.Contains(when, "Dinner") || strings.Contains(when, "PM")
	case Night:
		return strings.Contains(when, "Bedtime")
	}
	return false
}

// ActivePrescriptions keeps prescriptions in effect on ref
func ActivePrescriptions(prescriptions []*prescription.Prescription, ref time.Time) []*prescription.Prescription {
	var out []*prescription.Prescription
	for _, rx := range prescriptions {
		if IsActiveOn(rx, ref) {
			out = append(out, rx)
		}
	}
	return out
}

// PastPrescriptions keeps prescriptions whose end date is before ref.
// Open-ended prescriptions are never past.
func PastPrescriptions(prescriptions []*prescription.Prescription, ref time.Time) []*prescription.Prescription {
	day := civil(ref)
	var out []*prescription.Prescription
	for _, rx := range prescriptions {
		if rx.EndDate != nil && civil(*rx.EndDate) < day {
			out = append(out, rx)
		}
	}
	return out
}

// AllPrescriptions returns prescriptions unchanged. It exists so callers can
// pick a view by name without a special case.
func AllPrescriptions(prescriptions []*prescription.Prescription, _ time.Time) []*prescription.Prescription {
	return prescriptions
}

// civil maps a time to a sortable calendar day number (yyyymmdd)
func civil(t time.Time) int {
	y, m, d := t.Date()
	return y*10000 + int(m)*100 + d
}

func selectByID(meds []*medication.Medication, ids map[string]struct{}) []*medication.Medication {
	if len(ids) == 0 {
		return nil
	}
	var out []*medication.Medication
	for _, m := range meds {
		if _, ok := ids[m.ID]; ok {
			out = append(out, m)
		}
	}
	return out
}
