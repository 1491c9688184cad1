package redpanda

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProducerConfig configures the synchronous producer used by the outbox relay
type ProducerConfig struct {
	Brokers []string
	Linger  time.Duration
	// Compression is one of lz4, snappy, zstd or empty for none
	Compression string
	// LeaderAckOnly trades durability for latency and disables idempotent writes
	LeaderAckOnly bool
	RecordRetries int
	RetryBackoff  time.Duration
}

// DefaultProducerConfig waits for all in-sync replicas
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:       []string{"localhost:9092"},
		Linger:        5 * time.Millisecond,
		Compression:   "lz4",
		RecordRetries: 3,
		RetryBackoff:  100 * time.Millisecond,
	}
}

func compressionCodec(name string) (kgo.CompressionCodec, bool) {
	switch name {
	case "lz4":
		return kgo.Lz4Compression(), true
	case "snappy":
		return kgo.SnappyCompression(), true
	case "zstd":
		return kgo.ZstdCompression(), true
	}
	return kgo.NoCompression(), false
}

// ProducerStats holds producer counters
type ProducerStats struct {
	MessagesSent int64
	ErrorCount   int64
}

// Producer publishes one record at a time and waits for its ack. It
// satisfies the outbox relay's Publisher.
type Producer struct {
	client *kgo.Client
	tracer trace.Tracer
	logger *zap.Logger

	sent   atomic.Int64
	failed atomic.Int64
}

// NewProducer connects a producer to cfg.Brokers
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	backoff := cfg.RetryBackoff
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(cfg.Linger),
		kgo.RecordRetries(cfg.RecordRetries),
		kgo.RetryBackoffFn(func(tries int) time.Duration {
			return backoff * time.Duration(tries)
		}),
	}
	if cfg.LeaderAckOnly {
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	} else {
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}
	if codec, ok := compressionCodec(cfg.Compression); ok {
		opts = append(opts, kgo.ProducerBatchCompression(codec))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda: producer client: %w", err)
	}
	return &Producer{
		client: client,
		tracer: otel.Tracer("healthsync/redpanda"),
		logger: logger,
	}, nil
}

// Publish writes value to topic under key with the given headers. The
// current trace context travels in the headers too.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	ctx, span := p.tracer.Start(ctx, "publish "+topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", topic),
			attribute.String("messaging.kafka.message_key", key),
			attribute.Int("messaging.message_payload_size_bytes", len(value)),
		))
	defer span.End()

	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	carrier := headerCarrier{record}
	for k, v := range headers {
		carrier.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	res := p.client.ProduceSync(ctx, record)
	if err := res.FirstErr(); err != nil {
		p.failed.Add(1)
		span.RecordError(err)
		return fmt.Errorf("redpanda: publish to %s: %w", topic, err)
	}
	p.sent.Add(1)

	if ce := p.logger.Check(zap.DebugLevel, "published"); ce != nil {
		ce.Write(
			zap.String("topic", topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset))
	}
	return nil
}

// Close flushes buffered records for up to 30 seconds and disconnects
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := p.client.Flush(ctx)
	p.client.Close()
	if err != nil {
		return fmt.Errorf("redpanda: flush: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the counters
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{MessagesSent: p.sent.Load(), ErrorCount: p.failed.Load()}
}
