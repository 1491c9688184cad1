package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/healthsync/go-healthsync/internal/api/middleware"
	"github.com/healthsync/go-healthsync/internal/domain/medication"
	"github.com/healthsync/go-healthsync/internal/domain/prescription"
	"github.com/healthsync/go-healthsync/internal/domain/schedule"
	"github.com/healthsync/go-healthsync/internal/observability/metrics"
)

// PrescriptionService is the prescription use cases
type PrescriptionService interface {
	List(ctx context.Context, userID string) ([]*prescription.Prescription, error)
	Get(ctx context.Context, userID, id string) (*prescription.Prescription, error)
	History(ctx context.Context, userID, id string) ([]*prescription.Event, error)
	Create(ctx context.Context, userID, correlationID string, in prescription.CreateInput) (*prescription.Prescription, error)
	Update(ctx context.Context, userID, id, correlationID string, patch prescription.Patch) (*prescription.Prescription, error)
	Delete(ctx context.Context, userID, id, correlationID string) error
	RequestRefill(ctx context.Context, userID, id, correlationID string) (*prescription.Prescription, error)
}

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	svc     PrescriptionService
	loc     *time.Location
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewPrescriptionHandler creates a new handler. m may be nil.
func NewPrescriptionHandler(svc PrescriptionService, loc *time.Location, m *metrics.Metrics, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &PrescriptionHandler{svc: svc, loc: loc, now: time.Now, metrics: m, logger: logger}
}

// Routes returns the handler routes
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Patch("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
	r.Post("/{id}/refill", h.Refill)
	r.Get("/{id}/events", h.Events)
	return r
}

// prescriptionResponse carries dates as "YYYY-MM-DD" and whether the
// prescription is in effect on the reference day
type prescriptionResponse struct {
	ID           string                 `json:"id"`
	Title        string                 `json:"title"`
	DoctorName   string                 `json:"doctorName"`
	MedicationID string                 `json:"medicationId"`
	Medication   *medication.Medication `json:"medication,omitempty"`
	StartDate    string                 `json:"startDate"`
	EndDate      *string                `json:"endDate"`
	Refills      int                    `json:"refills"`
	Status       string                 `json:"status"`
	Notes        string                 `json:"notes,omitempty"`
	Active       bool                   `json:"active"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

func toResponse(rx *prescription.Prescription, ref time.Time) prescriptionResponse {
	resp := prescriptionResponse{
		ID:           rx.ID,
		Title:        rx.Title,
		DoctorName:   rx.DoctorName,
		MedicationID: rx.MedicationID,
		Medication:   rx.Medication,
		StartDate:    rx.StartDate.Format("2006-01-02"),
		Refills:      rx.Refills,
		Status:       rx.Status,
		Notes:        rx.Notes,
		Active:       schedule.IsActiveOn(rx, ref),
		CreatedAt:    rx.CreatedAt,
		UpdatedAt:    rx.UpdatedAt,
	}
	if rx.EndDate != nil {
		end := rx.EndDate.Format("2006-01-02")
		resp.EndDate = &end
	}
	return resp
}

func toResponses(rxs []*prescription.Prescription, ref time.Time) []prescriptionResponse {
	out := make([]prescriptionResponse, 0, len(rxs))
	for _, rx := range rxs {
		out = append(out, toResponse(rx, ref))
	}
	return out
}

// List handles GET /prescriptions?view=active|past|all&date=YYYY-MM-DD
func (h *PrescriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	ref, err := refDate(r, h.loc, h.now)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}

	view := schedule.View(r.URL.Query().Get("view"))
	switch view {
	case "":
		view = schedule.ViewAll
	case schedule.ViewActive, schedule.ViewPast, schedule.ViewAll:
	default:
		fail(w, r, h.logger, badRequest("view must be active, past or all"))
		return
	}

	rxs, err := h.svc.List(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponses(schedule.Filter(view, rxs, ref), ref))
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	rx, err := h.svc.Get(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(rx, h.today()))
}

type createPrescriptionRequest struct {
	Title        string  `json:"title"`
	DoctorName   string  `json:"doctorName"`
	MedicationID string  `json:"medicationId"`
	StartDate    string  `json:"startDate"`
	EndDate      *string `json:"endDate"`
	Refills      int     `json:"refills"`
	Notes        string  `json:"notes"`
}

func (req createPrescriptionRequest) input() (prescription.CreateInput, error) {
	in := prescription.CreateInput{
		Title:        req.Title,
		DoctorName:   req.DoctorName,
		MedicationID: req.MedicationID,
		Refills:      req.Refills,
		Notes:        req.Notes,
	}
	if req.StartDate != "" {
		start, err := parseDay("startDate", req.StartDate)
		if err != nil {
			return in, err
		}
		in.StartDate = start
	}
	if req.EndDate != nil && *req.EndDate != "" {
		end, err := parseDay("endDate", *req.EndDate)
		if err != nil {
			return in, err
		}
		in.EndDate = &end
	}
	return in, nil
}

// Create handles POST /prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("prescription-handler").Start(r.Context(), "create_prescription")
	defer span.End()

	var req createPrescriptionRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	in, err := req.input()
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}

	rx, err := h.svc.Create(ctx, middleware.GetUserID(ctx), middleware.GetRequestID(ctx), in)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	span.SetAttributes(attribute.String("prescription_id", rx.ID))
	if h.metrics != nil {
		h.metrics.PrescriptionsCreated.Inc()
	}

	writeJSON(w, http.StatusCreated, toResponse(rx, h.today()))
}

type patchPrescriptionRequest struct {
	Title        *string `json:"title"`
	DoctorName   *string `json:"doctorName"`
	MedicationID *string `json:"medicationId"`
	StartDate    *string `json:"startDate"`
	EndDate      *string `json:"endDate"`
	Refills      *int    `json:"refills"`
	Status       *string `json:"status"`
	Notes        *string `json:"notes"`
}

func (req patchPrescriptionRequest) patch() (prescription.Patch, error) {
	p := prescription.Patch{
		Title:        req.Title,
		DoctorName:   req.DoctorName,
		MedicationID: req.MedicationID,
		Refills:      req.Refills,
		Status:       req.Status,
		Notes:        req.Notes,
	}
	if req.StartDate != nil {
		start, err := parseDay("startDate", *req.StartDate)
		if err != nil {
			return p, err
		}
		p.StartDate = &start
	}
	if req.EndDate != nil {
		end, err := parseDay("endDate", *req.EndDate)
		if err != nil {
			return p, err
		}
		p.EndDate = &end
	}
	return p, nil
}

// Update handles PATCH /prescriptions/{id}
func (h *PrescriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req patchPrescriptionRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	patch, err := req.patch()
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}

	ctx := r.Context()
	rx, err := h.svc.Update(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "id"), middleware.GetRequestID(ctx), patch)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(rx, h.today()))
}

// Delete handles DELETE /prescriptions/{id}
func (h *PrescriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.svc.Delete(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "id"), middleware.GetRequestID(ctx)); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Refill handles POST /prescriptions/{id}/refill
func (h *PrescriptionHandler) Refill(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rx, err := h.svc.RequestRefill(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "id"), middleware.GetRequestID(ctx))
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RefillsRequested.Inc()
	}
	writeJSON(w, http.StatusOK, toResponse(rx, h.today()))
}

// Events handles GET /prescriptions/{id}/events
func (h *PrescriptionHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	events, err := h.svc.History(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	if events == nil {
		events = []*prescription.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *PrescriptionHandler) today() time.Time {
	n := h.now().In(h.loc)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, h.loc)
}
