// Package api assembles the HealthSync HTTP router.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/healthsync/go-healthsync/internal/api/handlers"
	"github.com/healthsync/go-healthsync/internal/api/middleware"
	"github.com/healthsync/go-healthsync/internal/domain/health"
	"github.com/healthsync/go-healthsync/internal/domain/medication"
	"github.com/healthsync/go-healthsync/internal/observability/metrics"
)

// Pinger reports whether a dependency is reachable
type Pinger func(ctx context.Context) error

// Deps are everything the router serves
type Deps struct {
	ServiceName string
	Location    *time.Location

	Tokens        middleware.TokenVerifier
	Users         handlers.UserService
	Conditions    handlers.RecordService[*health.ChronicCondition]
	Allergies     handlers.RecordService[*health.Allergy]
	CurrentMeds   handlers.RecordService[*health.CurrentMedication]
	Insurances    handlers.RecordService[*health.Insurance]
	Appointments  handlers.RecordService[*health.Appointment]
	Records       handlers.RecordService[*health.MedicalRecord]
	Medications   medication.Store
	Prescriptions handlers.PrescriptionService
	Assistant     handlers.Assistant
	HealthCard    handlers.HealthCard

	Metrics *metrics.Metrics
	// Ready checks run by /ready, keyed by dependency name
	Ready  map[string]Pinger
	Logger *zap.Logger
}

// NewRouter builds the HTTP handler for the API service
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Tracing(d.ServiceName))
	r.Use(middleware.Logger(logger))
	if d.Metrics != nil {
		r.Use(middleware.Metrics(d.Metrics.RequestDuration))
	}
	r.Use(middleware.CORS)

	r.Get("/health", healthHandler(d.ServiceName))
	r.Get("/ready", readyHandler(d.Ready, logger))
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	users := handlers.NewUserHandler(d.Users, logger)
	card := handlers.NewHealthCardHandler(d.HealthCard, logger)
	r.Get("/medical_details/{id}", card.Details)

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/auth", users.AuthRoutes())

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(d.Tokens))

			r.Mount("/me", users.MeRoutes())
			r.Mount("/conditions", handlers.NewRecordHandler(d.Conditions, logger).Routes())
			r.Mount("/allergies", handlers.NewRecordHandler(d.Allergies, logger).Routes())
			r.Mount("/current-medications", handlers.NewRecordHandler(d.CurrentMeds, logger).Routes())
			r.Mount("/insurances", handlers.NewRecordHandler(d.Insurances, logger).Routes())
			r.Mount("/appointments", handlers.NewRecordHandler(d.Appointments, logger).Routes())
			r.Mount("/records", handlers.NewRecordHandler(d.Records, logger).Routes())
			r.Mount("/medications", handlers.NewMedicationHandler(d.Medications, logger).Routes())
			r.Mount("/prescriptions", handlers.NewPrescriptionHandler(d.Prescriptions, d.Location, d.Metrics, logger).Routes())
			r.Mount("/schedule", handlers.NewScheduleHandler(d.Prescriptions, d.Medications, d.Location, logger).Routes())
			r.Mount("/assistant", handlers.NewAssistantHandler(d.Assistant, logger).Routes())
			r.Mount("/healthcard", card.Routes())
		})
	})

	return r
}

func healthHandler(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": service})
	}
}

// readyHandler answers 200 only when every check passes
func readyHandler(checks map[string]Pinger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		result := make(map[string]string, len(checks))
		for name, ping := range checks {
			if err := ping(ctx); err != nil {
				logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
				result[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			result[name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(result)
	}
}
