// Package main provides the medication reminder service entry point.
//
// It plans each day's reminders into the outbox on a cron schedule and
// delivers the published reminders to Telegram.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/healthsync/go-healthsync/internal/config"
	"github.com/healthsync/go-healthsync/internal/domain/medication"
	"github.com/healthsync/go-healthsync/internal/domain/prescription"
	"github.com/healthsync/go-healthsync/internal/domain/user"
	"github.com/healthsync/go-healthsync/internal/infrastructure/postgres"
	"github.com/healthsync/go-healthsync/internal/infrastructure/redpanda"
	"github.com/healthsync/go-healthsync/internal/observability/logging"
	"github.com/healthsync/go-healthsync/internal/observability/metrics"
	"github.com/healthsync/go-healthsync/internal/observability/tracing"
	"github.com/healthsync/go-healthsync/internal/reminder"
	"github.com/healthsync/go-healthsync/pkg/circuitbreaker"
	"github.com/healthsync/go-healthsync/pkg/idempotency"
	"github.com/healthsync/go-healthsync/pkg/workerpool"
)

const serviceName = "reminder-service"

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

	if cfg.TelegramToken == "" {
		logger.Fatal("TELEGRAM_TOKEN is required")
	}

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
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	m := metrics.New(nil)

	// Planning: prescriptions -> outbox, relayed to medication.reminders
	users := user.NewRepository(pool, logger)
	rxs := prescription.NewService(prescription.NewRepository(pool, logger), medication.NewRepository(pool, logger), logger)
	planner := reminder.NewPlanner(users, rxs, reminder.NewPostgresOutbox(pool), m, logger)
	slots, err := reminder.SlotsWithOverrides(cfg.ReminderSlots)
	if err != nil {
		logger.Fatal("invalid reminder schedule", zap.Error(err))
	}
	scheduler, err := reminder.NewScheduler(planner, slots, cfg.Location, logger)
	if err != nil {
		logger.Fatal("invalid reminder schedule", zap.Error(err))
	}

	// Delivery: medication.reminders -> inbox -> Telegram
	breakers := circuitbreaker.NewManager(
		reminder.TelegramBreakerConfig(circuitbreaker.DefaultConfig("telegram")),
		m.SetBreakerState, logger)
	breaker, err := breakers.GetOrCreate("telegram")
	if err != nil {
		logger.Fatal("failed to create circuit breaker", zap.Error(err))
	}
	notifier, err := reminder.NewTelegramNotifier(reminder.TelegramConfig{Token: cfg.TelegramToken}, breaker, logger)
	if err != nil {
		logger.Fatal("telegram bot creation failed", zap.Error(err))
	}

	inbox := idempotency.NewInbox(idempotency.NewPostgresStore(pool), idempotency.DefaultInboxConfig(), logger)
	if n, err := inbox.RecoverStaleEntries(ctx); err != nil {
		logger.Warn("stale inbox recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered stale inbox entries", zap.Int64("count", n))
	}
	inbox.StartCleanup()

	dispatcher, err := reminder.NewDispatcher(inbox, notifier, workerpool.DefaultConfig(), m, logger)
	if err != nil {
		logger.Fatal("dispatcher creation failed", zap.Error(err))
	}
	dispatcher.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumer, err := redpanda.NewConsumer(consumerCfg, dispatcher.Handle, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	defer admin.Close()

	go notifier.Listen()
	scheduler.Start()

	// Catch up on periods whose slot passed while the service was down
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := scheduler.RunNow(ctx); err != nil {
			logger.Error("startup planning failed", zap.Error(err))
		}
	}()

	ops := &opsHandler{
		scheduler:  scheduler,
		dispatcher: dispatcher,
		inbox:      inbox,
		breakers:   breakers,
		admin:      admin,
		groupID:    consumerCfg.GroupID,
		logger:     logger,
	}
	server := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: ops.routes(m),
	}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
		}
	}()
	logger.Info("reminder service started", zap.String("timezone", cfg.Location.String()))

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	scheduler.Stop()
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop error", zap.Error(err))
	}
	dispatcher.Stop()
	notifier.Stop()
	inbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	tp.Shutdown(shutdownCtx)
	logger.Info("reminder service stopped")
}

// opsHandler exposes metrics, health and operational endpoints
type opsHandler struct {
	scheduler  *reminder.Scheduler
	dispatcher *reminder.Dispatcher
	inbox      *idempotency.Inbox
	breakers   *circuitbreaker.Manager
	admin      *redpanda.Admin
	groupID    string
	logger     *zap.Logger
}

func (h *opsHandler) routes(m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", m.Handler())
	r.Get("/health", h.health)
	r.Get("/stats", h.stats)
	r.Post("/plan", h.plan)
	return r
}

// health reports unhealthy while the worker pool is saturated or a breaker is open
func (h *opsHandler) health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	if !h.dispatcher.Healthy() {
		status = http.StatusServiceUnavailable
	}
	breakers := h.breakers.GetHealthStatus()
	for _, b := range breakers {
		if !b.Healthy {
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, map[string]interface{}{"breakers": breakers})
}

func (h *opsHandler) stats(w http.ResponseWriter, r *http.Request) {
	inbox, err := h.inbox.GetStats(r.Context())
	if err != nil {
		h.logger.Error("inbox stats failed", zap.Error(err))
	}
	lag, err := h.admin.GroupLag(r.Context(), h.groupID)
	if err != nil {
		h.logger.Warn("consumer lag unavailable", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pool":  h.dispatcher.Stats(),
		"inbox": inbox,
		"lag":   lag,
	})
}

// plan re-runs today's planning for the periods already due. Already planned
// reminders are skipped.
func (h *opsHandler) plan(w http.ResponseWriter, r *http.Request) {
	res, err := h.scheduler.RunNow(r.Context())
	if err != nil {
		h.logger.Error("manual planning failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
