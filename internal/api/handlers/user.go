package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/healthsync/go-healthsync/internal/api/middleware"
	"github.com/healthsync/go-healthsync/internal/domain/user"
)

// UserService is the account and profile use cases
type UserService interface {
	Signup(ctx context.Context, in user.SignupInput) (*user.User, error)
	Login(ctx context.Context, email, password string) (*user.Session, error)
	Get(ctx context.Context, id string) (*user.User, error)
	UpdateMedicalProfile(ctx context.Context, id string, in user.ProfileInput) (*user.User, error)
	SetTelegramChat(ctx context.Context, id string, chatID *int64) error
}

// UserHandler handles sign-up, login and the current user's profile
type UserHandler struct {
	users  UserService
	logger *zap.Logger
}

// NewUserHandler creates a new handler
func NewUserHandler(users UserService, logger *zap.Logger) *UserHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserHandler{users: users, logger: logger}
}

// AuthRoutes are mounted without authentication
func (h *UserHandler) AuthRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/signup", h.Signup)
	r.Post("/login", h.Login)
	r.Post("/logout", h.Logout)
	return r
}

// MeRoutes require an authenticated user
func (h *UserHandler) MeRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Me)
	r.Put("/profile", h.UpdateProfile)
	r.Put("/telegram", h.SetTelegram)
	return r
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Signup handles POST /auth/signup and logs the new user in
func (h *UserHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var in user.SignupInput
	if err := decode(r, &in); err != nil {
		fail(w, r, h.logger, err)
		return
	}

	if _, err := h.users.Signup(r.Context(), in); err != nil {
		fail(w, r, h.logger, err)
		return
	}

	session, err := h.users.Login(r.Context(), in.Email, in.Password)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// Login handles POST /auth/login
func (h *UserHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, h.logger, err)
		return
	}

	session, err := h.users.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// Logout handles POST /auth/logout. Tokens are stateless; the client drops it.
func (h *UserHandler) Logout(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /me
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	u, err := h.users.Get(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type profileRequest struct {
	DateOfBirth string `json:"dateOfBirth"`
	Gender      string `json:"gender"`
	BloodGroup  string `json:"bloodGroup"`
	Phone       string `json:"phone"`
}

// UpdateProfile handles PUT /me/profile
func (h *UserHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, h.logger, err)
		return
	}

	in := user.ProfileInput{Gender: req.Gender, BloodGroup: req.BloodGroup, Phone: req.Phone}
	if req.DateOfBirth != "" {
		dob, err := parseDay("dateOfBirth", req.DateOfBirth)
		if err != nil {
			fail(w, r, h.logger, err)
			return
		}
		in.DateOfBirth = dob
	}

	u, err := h.users.UpdateMedicalProfile(r.Context(), middleware.GetUserID(r.Context()), in)
	if err != nil {
		fail(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type telegramRequest struct {
	// ChatID null unlinks the chat
	ChatID *int64 `json:"chatId"`
}

// SetTelegram handles PUT /me/telegram
func (h *UserHandler) SetTelegram(w http.ResponseWriter, r *http.Request) {
	var req telegramRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, h.logger, err)
		return
	}

	if err := h.users.SetTelegramChat(r.Context(), middleware.GetUserID(r.Context()), req.ChatID); err != nil {
		fail(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
