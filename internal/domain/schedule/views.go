package schedule

import (
	"time"

	"github.com/healthsync/go-healthsync/internal/domain/medication"
	"github.com/healthsync/go-healthsync/internal/domain/prescription"
)

// View names a prescription grouping
type View string

const (
	ViewActive View = "active"
	ViewPast   View = "past"
	ViewAll    View = "all"
)

// Filter applies the named view. Unknown views fall back to all.
func Filter(view View, prescriptions []*prescription.Prescription, ref time.Time) []*prescription.Prescription {
	switch view {
	case ViewActive:
		return ActivePrescriptions(prescriptions, ref)
	case ViewPast:
		return PastPrescriptions(prescriptions, ref)
	default:
		return AllPrescriptions(prescriptions, ref)
	}
}

// Day is one column of the weekly schedule
type Day struct {
	Weekday     string                   `json:"weekday"`
	Date        string                   `json:"date"`
	Medications []*medication.Medication `json:"medications"`
}

// WeeklySchedule returns the seven days of ref's week, Sunday first, each
// with the medications scheduled that day.
func WeeklySchedule(prescriptions []*prescription.Prescription, meds []*medication.Medication, ref time.Time) []Day {
	week := CurrentWeekDates(ref)
	days := make([]Day, 0, len(week))
	for _, d := range week {
		name := d.Weekday().String()
		days = append(days, Day{
			Weekday:     name,
			Date:        d.Format("2006-01-02"),
			Medications: MedicationsForWeekday(name, prescriptions, meds, ref),
		})
	}
	return days
}

// Bucket is one time-of-day group of today's medications
type Bucket struct {
	Period      Period                   `json:"period"`
	Medications []*medication.Medication `json:"medications"`
}

// DailyBuckets groups meds by every period in display order
func DailyBuckets(meds []*medication.Medication) []Bucket {
	buckets := make([]Bucket, 0, len(Periods))
	for _, p := range Periods {
		buckets = append(buckets, Bucket{Period: p, Medications: MedicationsByTimePeriod(p, meds)})
	}
	return buckets
}
