package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/healthsync/go-healthsync/internal/api/middleware"
	"github.com/healthsync/go-healthsync/internal/domain/medication"
	"github.com/healthsync/go-healthsync/internal/domain/prescription"
	"github.com/healthsync/go-healthsync/internal/domain/schedule"
)

// PrescriptionLister loads the prescriptions of a user
type PrescriptionLister interface {
	List(ctx context.Context, userID string) ([]*prescription.Prescription, error)
}

// MedicationLister loads the medication catalogue
type MedicationLister interface {
	List(ctx context.Context) ([]*medication.Medication, error)
}

// ScheduleHandler serves the medication schedule views
type ScheduleHandler struct {
	rxs    PrescriptionLister
	meds   MedicationLister
	loc    *time.Location
	now    func() time.Time
	logger *zap.Logger
}

// NewScheduleHandler creates a new handler. Reference days are taken in loc.
func NewScheduleHandler(rxs PrescriptionLister, meds MedicationLister, loc *time.Location, logger *zap.Logger) *ScheduleHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &ScheduleHandler{rxs: rxs, meds: meds, loc: loc, now: time.Now, logger: logger}
}

// Routes returns the handler routes
func (h *ScheduleHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/today", h.Today)
	r.Get("/week", h.Week)
	r.Get("/weekday/{weekday}", h.Weekday)
	return r
}

type todayResponse struct {
	Date        string                   `json:"date"`
	Period      schedule.Period          `json:"period,omitempty"`
	Medications []*medication.Medication `json:"medications,omitempty"`
	Buckets     []schedule.Bucket        `json:"buckets,omitempty"`
}

// Today handles GET /schedule/today?period=&date=. Without a period every
// bucket is returned.
func (h *ScheduleHandler) Today(w http.ResponseWriter, r *http.Request) {
	var period schedule.Period
	if s := r.URL.Query().Get("period"); s != "" {
		p, ok := schedule.ParsePeriod(s)
		if !ok {
			fail(w, r, h.logger, badRequest("period must be Morning, Afternoon, Evening or Night"))
			return
		}
		period = p
	}

	ref, rxs, meds, ok := h.load(w, r)
	if !ok {
		return
	}
	today := schedule.TodaysMedications(rxs, meds, ref)

	resp := todayResponse{Date: ref.Format("2006-01-02"), Period: period}
	if period != "" {
		resp.Medications = nonNil(schedule.MedicationsByTimePeriod(period, today))
	} else {
		resp.Buckets = schedule.DailyBuckets(today)
		for i := range resp.Buckets {
			resp.Buckets[i].Medications = nonNil(resp.Buckets[i].Medications)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Week handles GET /schedule/week?date=
func (h *ScheduleHandler) Week(w http.ResponseWriter, r *http.Request) {
	ref, rxs, meds, ok := h.load(w, r)
	if !ok {
		return
	}
	days := schedule.WeeklySchedule(rxs, meds, ref)
	for i := range days {
		days[i].Medications = nonNil(days[i].Medications)
	}
	writeJSON(w, http.StatusOK, days)
}

// Weekday handles GET /schedule/weekday/{weekday}?date=
func (h *ScheduleHandler) Weekday(w http.ResponseWriter, r *http.Request) {
	day, ok := schedule.ParseWeekday(chi.URLParam(r, "weekday"))
	if !ok {
		fail(w, r, h.logger, badRequest("unknown weekday %q", chi.URLParam(r, "weekday")))
		return
	}

	ref, rxs, meds, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, nonNil(schedule.MedicationsForWeekday(day.String(), rxs, meds, ref)))
}

// load resolves the reference day and fetches the user's prescriptions and
// the catalogue. It writes the error response itself.
func (h *ScheduleHandler) load(w http.ResponseWriter, r *http.Request) (time.Time, []*prescription.Prescription, []*medication.Medication, bool) {
	ref, err := refDate(r, h.loc, h.now)
	if err != nil {
		fail(w, r, h.logger, err)
		return time.Time{}, nil, nil, false
	}

	rxs, err := h.rxs.List(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		fail(w, r, h.logger, err)
		return time.Time{}, nil, nil, false
	}
	meds, err := h.meds.List(r.Context())
	if err != nil {
		fail(w, r, h.logger, err)
		return time.Time{}, nil, nil, false
	}
	return ref, rxs, meds, true
}

func nonNil(meds []*medication.Medication) []*medication.Medication {
	if meds == nil {
		return []*medication.Medication{}
	}
	return meds
}
