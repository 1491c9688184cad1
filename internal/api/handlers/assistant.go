package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/healthsync/go-healthsync/internal/assistant"
	"github.com/healthsync/go-healthsync/internal/domain/health"
)

// Assistant is the AI assistant backend
type Assistant interface {
	Chat(ctx context.Context, prompt string) (string, error)
	SuggestAppointment(ctx context.Context, prompt string) (*assistant.Suggestion, error)
}

// AssistantHandler relays prompts to the AI assistant
type AssistantHandler struct {
	ai     Assistant
	logger *zap.Logger
}

// NewAssistantHandler creates a new handler. A nil assistant answers 503.
func NewAssistantHandler(ai Assistant, logger *zap.Logger) *AssistantHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssistantHandler{ai: ai, logger: logger}
}

// Routes returns the handler routes
func (h *AssistantHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/chat", h.Chat)
	r.Post("/appointment-suggestion", h.SuggestAppointment)
	return r
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

type chatResponse struct {
	Text string `json:"text"`
}

// Chat handles POST /assistant/chat
func (h *AssistantHandler) Chat(w http.ResponseWriter, r *http.Request) {
	prompt, ok := h.prompt(w, r)
	if !ok {
		return
	}
	text, err := h.ai.Chat(r.Context(), prompt)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Text: text})
}

type suggestionResponse struct {
	*assistant.Suggestion
	// Status is the appointment status a client should create it with
	Status string `json:"status"`
}

// SuggestAppointment handles POST /assistant/appointment-suggestion. The
// proposal is returned for the client to confirm, nothing is stored.
func (h *AssistantHandler) SuggestAppointment(w http.ResponseWriter, r *http.Request) {
	prompt, ok := h.prompt(w, r)
	if !ok {
		return
	}
	s, err := h.ai.SuggestAppointment(r.Context(), prompt)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, suggestionResponse{Suggestion: s, Status: health.AppointmentScheduled})
}

func (h *AssistantHandler) prompt(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.ai == nil {
		fail(w, r, h.logger, assistant.ErrNotConfigured)
		return "", false
	}
	var req promptRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, h.logger, err)
		return "", false
	}
	return req.Prompt, true
}
