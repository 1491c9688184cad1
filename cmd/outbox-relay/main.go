// Package main provides the outbox relay service entry point.
// It publishes committed outbox entries to Redpanda.
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
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/healthsync/go-healthsync/internal/config"
	"github.com/healthsync/go-healthsync/internal/infrastructure/postgres"
	"github.com/healthsync/go-healthsync/internal/infrastructure/redpanda"
	"github.com/healthsync/go-healthsync/internal/observability/logging"
	"github.com/healthsync/go-healthsync/internal/observability/metrics"
	"github.com/healthsync/go-healthsync/internal/observability/tracing"
)

const (
	serviceName = "outbox-relay"
	// published entries are kept this long for auditing
	outboxRetention = 7 * 24 * time.Hour
)

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
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	ensureCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := admin.EnsureTopics(ensureCtx); err != nil {
		logger.Fatal("failed to create topics", zap.Error(err))
	}
	cancel()
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	m := metrics.New(nil)

	relayCfg := postgres.DefaultRelayConfig()
	relayCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	relay := postgres.NewRelay(pool, producer, relayCfg, m.OutboxPending, logger)
	relay.Start()
	logger.Info("outbox relay started")

	housekeeping := cron.New(cron.WithLocation(cfg.Location))
	if _, err := housekeeping.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if n, err := relay.Cleanup(ctx, outboxRetention); err != nil {
			logger.Error("outbox cleanup failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("outbox cleaned up", zap.Int64("deleted", n))
		}
	}); err != nil {
		logger.Fatal("failed to schedule cleanup", zap.Error(err))
	}
	housekeeping.Start()

	server := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: opsRouter(relay, m, logger),
	}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
		}
	}()

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	<-housekeeping.Stop().Done()
	relay.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	tp.Shutdown(shutdownCtx)
	logger.Info("outbox relay stopped")
}

// opsRouter serves metrics, health and relay statistics
func opsRouter(relay *postgres.Relay, m *metrics.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", m.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := relay.Stats(r.Context())
		if err != nil {
			logger.Error("relay stats failed", zap.Error(err))
			http.Error(w, "stats unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	})
	return r
}
