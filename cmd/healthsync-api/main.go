// Package main provides the HealthSync API service entry point.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/healthsync/go-healthsync/internal/api"
	"github.com/healthsync/go-healthsync/internal/assistant"
	"github.com/healthsync/go-healthsync/internal/auth"
	"github.com/healthsync/go-healthsync/internal/config"
	"github.com/healthsync/go-healthsync/internal/domain/health"
	"github.com/healthsync/go-healthsync/internal/domain/medication"
	"github.com/healthsync/go-healthsync/internal/domain/prescription"
	"github.com/healthsync/go-healthsync/internal/domain/user"
	"github.com/healthsync/go-healthsync/internal/healthcard"
	"github.com/healthsync/go-healthsync/internal/infrastructure/postgres"
	"github.com/healthsync/go-healthsync/internal/infrastructure/redpanda"
	"github.com/healthsync/go-healthsync/internal/observability/logging"
	"github.com/healthsync/go-healthsync/internal/observability/metrics"
	"github.com/healthsync/go-healthsync/internal/observability/tracing"
	"github.com/healthsync/go-healthsync/pkg/circuitbreaker"
)

const serviceName = "healthsync-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(serviceName, cfg.LogLevel, cfg.Development())
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.Environment = cfg.Environment
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	m := metrics.New(nil)

	// Repositories and services
	tokens := auth.NewTokens(cfg.JWTSecret, cfg.JWTTTL)
	users := user.NewService(user.NewRepository(pool, logger), tokens, logger)
	meds := medication.NewRepository(pool, logger)
	rxs := prescription.NewService(prescription.NewRepository(pool, logger), meds, logger)

	conditions := health.NewService[*health.ChronicCondition](health.NewRepository(pool, health.Conditions, logger), health.Conditions, logger)
	allergies := health.NewService[*health.Allergy](health.NewRepository(pool, health.Allergies, logger), health.Allergies, logger)
	currentMeds := health.NewService[*health.CurrentMedication](health.NewRepository(pool, health.CurrentMedications, logger), health.CurrentMedications, logger)
	insurances := health.NewService[*health.Insurance](health.NewRepository(pool, health.Insurances, logger), health.Insurances, logger)
	appointments := health.NewService[*health.Appointment](health.NewRepository(pool, health.Appointments, logger), health.Appointments, logger)
	records := health.NewService[*health.MedicalRecord](health.NewRepository(pool, health.Records, logger), health.Records, logger)

	// AI assistant behind a breaker
	breaker, err := circuitbreaker.New(assistant.BreakerConfig(), m.SetBreakerState, logger)
	if err != nil {
		logger.Fatal("failed to create circuit breaker", zap.Error(err))
	}
	ai := assistant.NewClient(assistant.DefaultConfig(cfg.GeminiAPIKey, cfg.GeminiModel), breaker, m, logger)
	if cfg.GeminiAPIKey == "" {
		logger.Warn("GEMINI_API_KEY not set, assistant endpoints will answer 503")
	}

	card := healthcard.NewService(healthcard.Sources{
		Users:         users,
		Conditions:    conditions,
		Allergies:     allergies,
		Appointments:  appointments,
		Prescriptions: rxs,
	}, cfg.PublicBaseURL, cfg.Location, logger)

	ready := map[string]api.Pinger{"postgres": pool.Ping}
	if len(cfg.KafkaBrokers) > 0 {
		brokers := cfg.KafkaBrokers
		ready["kafka"] = func(ctx context.Context) error { return redpanda.HealthCheck(ctx, brokers) }
	}

	handler := api.NewRouter(api.Deps{
		ServiceName:   serviceName,
		Location:      cfg.Location,
		Tokens:        tokens,
		Users:         users,
		Conditions:    conditions,
		Allergies:     allergies,
		CurrentMeds:   currentMeds,
		Insurances:    insurances,
		Appointments:  appointments,
		Records:       records,
		Medications:   meds,
		Prescriptions: rxs,
		Assistant:     ai,
		HealthCard:    card,
		Metrics:       m,
		Ready:         ready,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	idle := make(chan struct{})
	go func() {
		defer close(idle)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting API", zap.String("port", cfg.Port), zap.String("timezone", cfg.Location.String()))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
	<-idle

	logger.Info("server stopped")
}
