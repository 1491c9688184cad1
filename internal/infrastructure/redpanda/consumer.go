package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig configures a group consumer
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string

	SessionTimeout time.Duration
	// FromStart makes a new group begin at the oldest retained record
	FromStart bool

	// RetryBackoff is the first pause after a failed handler call. It
	// doubles on every further failure up to MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// DefaultConsumerConfig reads medication.reminders as the reminder dispatcher group
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:         []string{"localhost:9092"},
		GroupID:         "reminder-dispatcher",
		Topics:          []string{TopicMedicationReminders},
		SessionTimeout:  30 * time.Second,
		FromStart:       true,
		RetryBackoff:    500 * time.Millisecond,
		MaxRetryBackoff: 30 * time.Second,
	}
}

// MessageHandler handles one record. While it returns an error the record
// is retried and nothing after it on the same partition is committed.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage is the handler's view of a record
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Attempt   int
}

// ConsumerStats holds consumer counters
type ConsumerStats struct {
	MessagesRead int64
	ErrorCount   int64
	Retries      int64
}

// Consumer hands each record of its group's partitions to a handler, in
// partition order, and commits once the handler has accepted it.
type Consumer struct {
	client  *kgo.Client
	cfg     ConsumerConfig
	handler MessageHandler
	tracer  trace.Tracer
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   sync.WaitGroup

	read    atomic.Int64
	errs    atomic.Int64
	retries atomic.Int64
}

// NewConsumer joins cfg.GroupID. Offsets are committed manually.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("redpanda: nil message handler")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = cfg.RetryBackoff
	}

	reset := kgo.NewOffset().AtEnd()
	if cfg.FromStart {
		reset = kgo.NewOffset().AtStart()
	}
	group := logger.With(zap.String("group", cfg.GroupID))

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(reset),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, p map[string][]int32) {
			group.Info("partitions assigned", zap.Any("partitions", p))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, p map[string][]int32) {
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				group.Warn("commit before revoke failed", zap.Error(err))
			}
			group.Info("partitions revoked", zap.Any("partitions", p))
		}),
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, kgo.SessionTimeout(cfg.SessionTimeout))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda: consumer client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  client,
		cfg:     cfg,
		handler: handler,
		tracer:  otel.Tracer("healthsync/redpanda"),
		logger:  group,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start polls in the background until Stop
func (c *Consumer) Start() {
	c.done.Add(1)
	go func() {
		defer c.done.Done()
		c.poll()
	}()
}

// Stop abandons any record still being retried, commits what was handled
// and leaves the group.
func (c *Consumer) Stop() error {
	c.cancel()
	c.done.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.client.CommitMarkedOffsets(ctx)
	c.client.Close()
	if err != nil {
		return fmt.Errorf("redpanda: final commit: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the counters
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		MessagesRead: c.read.Load(),
		ErrorCount:   c.errs.Load(),
		Retries:      c.retries.Load(),
	}
}

func (c *Consumer) poll() {
	for {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.errs.Add(1)
			c.logger.Error("fetch failed",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, record := range p.Records {
				if !c.handle(record) {
					return
				}
				c.client.MarkCommitRecords(record)
			}
		})

		if err := c.client.CommitMarkedOffsets(c.ctx); err != nil && c.ctx.Err() == nil {
			c.logger.Error("offset commit failed", zap.Error(err))
		}
	}
}

// handle runs the handler until it accepts the record. It reports false
// only when the consumer is stopping.
func (c *Consumer) handle(record *kgo.Record) bool {
	ctx := otel.GetTextMapPropagator().Extract(c.ctx, headerCarrier{record})
	ctx, span := c.tracer.Start(ctx, "consume "+record.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", record.Topic),
			attribute.Int64("messaging.partition", int64(record.Partition)),
			attribute.Int64("messaging.offset", record.Offset),
		))
	defer span.End()

	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Timestamp: record.Timestamp,
	}

	wait := c.cfg.RetryBackoff
	for {
		msg.Attempt++
		err := c.handler(ctx, msg)
		if err == nil {
			c.read.Add(1)
			return true
		}

		c.errs.Add(1)
		span.RecordError(err)
		c.logger.Warn("handler failed, will retry",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Int("attempt", msg.Attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))

		select {
		case <-c.ctx.Done():
			span.SetStatus(codes.Error, "consumer stopped before record was handled")
			return false
		case <-time.After(wait):
		}
		c.retries.Add(1)
		if wait *= 2; wait > c.cfg.MaxRetryBackoff {
			wait = c.cfg.MaxRetryBackoff
		}
	}
}
