package reminder

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/healthsync/go-healthsync/internal/domain/prescription"
	"github.com/healthsync/go-healthsync/internal/domain/schedule"
	"github.com/healthsync/go-healthsync/internal/domain/user"
	"github.com/healthsync/go-healthsync/internal/infrastructure/postgres"
	"github.com/healthsync/go-healthsync/internal/infrastructure/redpanda"
	"github.com/healthsync/go-healthsync/internal/observability/metrics"
	"github.com/healthsync/go-healthsync/pkg/idempotency"
)

// UserLister returns the users that receive reminders
type UserLister interface {
	ListWithTelegram(ctx context.Context) ([]*user.User, error)
}

// PrescriptionLister returns a user's prescriptions with medications embedded
type PrescriptionLister interface {
	List(ctx context.Context, userID string) ([]*prescription.Prescription, error)
}

// Outbox stores entries for the relay. Enqueue reports false when the entry
// was already stored.
type Outbox interface {
	Enqueue(ctx context.Context, entry *postgres.OutboxEntry) (bool, error)
}

// PostgresOutbox writes each entry in its own transaction
type PostgresOutbox struct {
	pool *pgxpool.Pool
}

// NewPostgresOutbox creates an Outbox on pool
func NewPostgresOutbox(pool *pgxpool.Pool) *PostgresOutbox {
	return &PostgresOutbox{pool: pool}
}

// Enqueue implements Outbox
func (o *PostgresOutbox) Enqueue(ctx context.Context, entry *postgres.OutboxEntry) (bool, error) {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	written, err := postgres.WriteEntryOnce(ctx, tx, entry)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return written, nil
}

// PlanResult summarises one planning run
type PlanResult struct {
	Users   int
	Planned int
	Skipped int
	Failed  int
}

// Planner turns today's schedule into reminder messages
type Planner struct {
	users   UserLister
	rxs     PrescriptionLister
	outbox  Outbox
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewPlanner creates a planner. m may be nil.
func NewPlanner(users UserLister, rxs PrescriptionLister, outbox Outbox, m *metrics.Metrics, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		users:   users,
		rxs:     rxs,
		outbox:  outbox,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("reminder-planner"),
	}
}

// PlanDay enqueues one reminder per user and non-empty period for day,
// limited to periods when any are given. Running it again for the same day
// enqueues nothing new.
func (p *Planner) PlanDay(ctx context.Context, day time.Time, periods ...schedule.Period) (PlanResult, error) {
	date := day.Format("2006-01-02")
	ctx, span := p.tracer.Start(ctx, "plan_day", trace.WithAttributes(attribute.String("date", date)))
	defer span.End()

	var res PlanResult
	users, err := p.users.ListWithTelegram(ctx)
	if err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("list users: %w", err)
	}
	res.Users = len(users)

	for _, u := range users {
		if u.TelegramChatID == nil {
			continue
		}
		planned, skipped, err := p.planUser(ctx, u, day, periods)
		res.Planned += planned
		res.Skipped += skipped
		if err != nil {
			res.Failed++
			p.logger.Error("failed to plan reminders",
				zap.String("user_id", u.ID),
				zap.String("date", date),
				zap.Error(err))
		}
	}

	if p.metrics != nil {
		p.metrics.RemindersPlanned.Add(float64(res.Planned))
	}
	span.SetAttributes(
		attribute.Int("users", res.Users),
		attribute.Int("planned", res.Planned),
		attribute.Int("failed", res.Failed),
	)
	p.logger.Info("reminders planned",
		zap.String("date", date),
		zap.Int("users", res.Users),
		zap.Int("planned", res.Planned),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed))
	return res, nil
}

func (p *Planner) planUser(ctx context.Context, u *user.User, day time.Time, periods []schedule.Period) (planned, skipped int, err error) {
	rxs, err := p.rxs.List(ctx, u.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("list prescriptions: %w", err)
	}

	today := schedule.TodaysMedications(rxs, nil, day)
	if len(today) == 0 {
		return 0, 0, nil
	}

	date := day.Format("2006-01-02")
	for _, bucket := range schedule.DailyBuckets(today) {
		if len(bucket.Medications) == 0 || !wanted(periods, bucket.Period) {
			continue
		}

		key := idempotency.ReminderKey(u.ID, day, string(bucket.Period))
		payload, err := json.Marshal(Reminder{
			Key:         key,
			UserID:      u.ID,
			UserName:    u.Name,
			ChatID:      *u.TelegramChatID,
			Date:        date,
			Period:      string(bucket.Period),
			Medications: itemsFrom(bucket.Medications),
		})
		if err != nil {
			return planned, skipped, fmt.Errorf("encode reminder: %w", err)
		}

		written, err := p.outbox.Enqueue(ctx, &postgres.OutboxEntry{
			AggregateID:   u.ID,
			AggregateType: "User",
			EventType:     EventType,
			Payload:       payload,
			Topic:         redpanda.TopicMedicationReminders,
			Key:           key,
		})
		if err != nil {
			return planned, skipped, fmt.Errorf("enqueue %s reminder: %w", bucket.Period, err)
		}
		if written {
			planned++
		} else {
			skipped++
		}
	}
	return planned, skipped, nil
}

func wanted(periods []schedule.Period, p schedule.Period) bool {
	return len(periods) == 0 || slices.Contains(periods, p)
}
