// Package handlers provides HTTP handlers for the HealthSync API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/healthsync/go-healthsync/internal/api/middleware"
	"github.com/healthsync/go-healthsync/internal/assistant"
	"github.com/healthsync/go-healthsync/internal/domain/health"
	"github.com/healthsync/go-healthsync/internal/domain/medication"
	"github.com/healthsync/go-healthsync/internal/domain/prescription"
	"github.com/healthsync/go-healthsync/internal/domain/user"
	"github.com/healthsync/go-healthsync/pkg/circuitbreaker"
)

const maxBodyBytes = 1 << 20

// errBadRequest marks malformed request input
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// decode reads a JSON body, rejecting unknown trailing data
func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, user.ErrValidation),
		errors.Is(err, health.ErrValidation),
		errors.Is(err, medication.ErrValidation),
		errors.Is(err, prescription.ErrValidation),
		errors.Is(err, assistant.ErrEmptyPrompt):
		return http.StatusBadRequest
	case errors.Is(err, user.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, user.ErrNotFound),
		errors.Is(err, health.ErrNotFound),
		errors.Is(err, medication.ErrNotFound),
		errors.Is(err, prescription.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, user.ErrEmailTaken),
		errors.Is(err, medication.ErrInUse),
		errors.Is(err, prescription.ErrNoRefillsLeft),
		errors.Is(err, prescription.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, assistant.ErrBadSuggestion):
		return http.StatusBadGateway
	case errors.Is(err, circuitbreaker.ErrOpen),
		errors.Is(err, assistant.ErrNotConfigured):
		return http.StatusServiceUnavailable
	}
	var apiErr *assistant.APIError
	if errors.As(err, &apiErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// fail writes err with its mapped status. Internal errors are logged and
// their detail hidden from the client.
func fail(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	code := statusFor(err)
	if code >= 500 {
		logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		jsonError(w, http.StatusText(code), code)
		return
	}
	jsonError(w, err.Error(), code)
}

// refDate reads ?date=YYYY-MM-DD, defaulting to today in loc
func refDate(r *http.Request, loc *time.Location, now func() time.Time) (time.Time, error) {
	if s := r.URL.Query().Get("date"); s != "" {
		d, err := time.ParseInLocation("2006-01-02", s, loc)
		if err != nil {
			return time.Time{}, badRequest("date must be YYYY-MM-DD")
		}
		return d, nil
	}
	n := now().In(loc)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, loc), nil
}

// parseDay parses a required or optional "YYYY-MM-DD" field
func parseDay(field, s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, badRequest("%s must be YYYY-MM-DD", field)
	}
	return t, nil
}
