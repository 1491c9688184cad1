package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/healthsync/go-healthsync/internal/domain/medication"
)

// MedicationHandler serves the shared medication catalogue
type MedicationHandler struct {
	store  medication.Store
	logger *zap.Logger
}

// NewMedicationHandler creates a new handler
func NewMedicationHandler(store medication.Store, logger *zap.Logger) *MedicationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MedicationHandler{store: store, logger: logger}
}

// Routes returns the handler routes
func (h *MedicationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Patch("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
	return r
}

// List handles GET /medications
func (h *MedicationHandler) List(w http.ResponseWriter, r *http.Request) {
	meds, err := h.store.List(r.Context())
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	if meds == nil {
		meds = []*medication.Medication{}
	}
	writeJSON(w, http.StatusOK, meds)
}

// Get handles GET /medications/{id}
func (h *MedicationHandler) Get(w http.ResponseWriter, r *http.Request) {
	m, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Create handles POST /medications
func (h *MedicationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var m medication.Medication
	if err := decode(r, &m); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	if err := m.Validate(); err != nil {
		fail(w, r, h.logger, err)
		return
	}

	if err := h.store.Create(r.Context(), &m); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	h.logger.Info("medication created", zap.String("id", m.ID), zap.String("name", m.Name))
	writeJSON(w, http.StatusCreated, &m)
}

// Update handles PATCH /medications/{id}
func (h *MedicationHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch medication.Patch
	if err := decode(r, &patch); err != nil {
		fail(w, r, h.logger, err)
		return
	}

	m, err := h.store.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Delete handles DELETE /medications/{id}. Medications still referenced by
// a prescription are kept and 409 is returned.
func (h *MedicationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
