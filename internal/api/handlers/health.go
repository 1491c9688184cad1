package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/healthsync/go-healthsync/internal/api/middleware"
	"github.com/healthsync/go-healthsync/internal/domain/health"
)

// RecordService is the CRUD service of one health record type
type RecordService[E health.Entity] interface {
	Kind() health.Kind[E]
	List(ctx context.Context, userID string) ([]E, error)
	Add(ctx context.Context, userID string, e E) (E, error)
	Update(ctx context.Context, userID, id string, apply func(E) error) (E, error)
	Delete(ctx context.Context, userID, id string) error
}

// RecordHandler serves one health record collection of the current user
type RecordHandler[E health.Entity] struct {
	svc    RecordService[E]
	logger *zap.Logger
}

// NewRecordHandler creates a handler for svc's record type
func NewRecordHandler[E health.Entity](svc RecordService[E], logger *zap.Logger) *RecordHandler[E] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordHandler[E]{svc: svc, logger: logger.With(zap.String("kind", svc.Kind().Name))}
}

// Routes returns the handler routes
func (h *RecordHandler[E]) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Patch("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
	return r
}

// List handles GET /
func (h *RecordHandler[E]) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.List(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	if items == nil {
		items = []E{}
	}
	writeJSON(w, http.StatusOK, items)
}

// Create handles POST /. Create-time defaults come from the record kind.
func (h *RecordHandler[E]) Create(w http.ResponseWriter, r *http.Request) {
	e := h.svc.Kind().New()
	if err := decode(r, e); err != nil {
		fail(w, r, h.logger, err)
		return
	}

	created, err := h.svc.Add(r.Context(), middleware.GetUserID(r.Context()), e)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// Update handles PATCH /{id}. Fields absent from the body keep their values.
func (h *RecordHandler[E]) Update(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		fail(w, r, h.logger, badRequest("read body: %v", err))
		return
	}

	updated, err := h.svc.Update(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), func(e E) error {
		if err := json.Unmarshal(body, e); err != nil {
			return badRequest("invalid request body: %v", err)
		}
		return nil
	})
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Delete handles DELETE /{id}
func (h *RecordHandler[E]) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
