package handlers

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/healthsync/go-healthsync/internal/api/middleware"
	"github.com/healthsync/go-healthsync/internal/healthcard"
)

// HealthCard renders a user's health card
type HealthCard interface {
	Summary(ctx context.Context, userID string) (*healthcard.Summary, error)
	QR(userID string) ([]byte, error)
	PDF(ctx context.Context, userID string, w io.Writer) error
}

// HealthCardHandler serves the QR code, the PDF and the public details page data
type HealthCardHandler struct {
	card   HealthCard
	logger *zap.Logger
}

// NewHealthCardHandler creates a new handler
func NewHealthCardHandler(card HealthCard, logger *zap.Logger) *HealthCardHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthCardHandler{card: card, logger: logger}
}

// Routes are the authenticated card routes of the current user
func (h *HealthCardHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/qr", h.QR)
	r.Get("/pdf", h.PDF)
	return r
}

// QR handles GET /healthcard/qr
func (h *HealthCardHandler) QR(w http.ResponseWriter, r *http.Request) {
	png, err := h.card.QR(middleware.GetUserID(r.Context()))
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// PDF handles GET /healthcard/pdf. The document is rendered to memory first
// so a failure can still produce a JSON error.
func (h *HealthCardHandler) PDF(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := h.card.PDF(r.Context(), middleware.GetUserID(r.Context()), &buf); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="healthcard.pdf"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	buf.WriteTo(w)
}

// Details handles the public GET /medical_details/{id} reached from the QR code
func (h *HealthCardHandler) Details(w http.ResponseWriter, r *http.Request) {
	sum, err := h.card.Summary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
