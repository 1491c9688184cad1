// Package redpanda connects the services to the Kafka-compatible broker
// with franz-go.
package redpanda

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

const (
	TopicPrescriptionEvents  = "prescription.events"
	TopicMedicationReminders = "medication.reminders"
	TopicDeadLetter          = "healthsync.dead-letter"
)

// TopicConfig describes a topic the services rely on
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Retention         time.Duration
	Compression       string
}

func (t TopicConfig) configs() map[string]*string {
	retention := strconv.FormatInt(t.Retention.Milliseconds(), 10)
	out := map[string]*string{
		"cleanup.policy": kadm.StringPtr("delete"),
		"retention.ms":   &retention,
	}
	if t.Compression != "" {
		out["compression.type"] = kadm.StringPtr(t.Compression)
	}
	return out
}

// DefaultTopicConfigs lists every topic HealthSync produces to.
// Prescription events are partitioned by user, reminders by reminder key.
func DefaultTopicConfigs() []TopicConfig {
	const day = 24 * time.Hour
	return []TopicConfig{
		{Name: TopicPrescriptionEvents, Partitions: 6, ReplicationFactor: 1, Retention: 7 * day, Compression: "lz4"},
		// a reminder older than two days is not worth sending
		{Name: TopicMedicationReminders, Partitions: 3, ReplicationFactor: 1, Retention: 2 * day, Compression: "lz4"},
		{Name: TopicDeadLetter, Partitions: 1, ReplicationFactor: 1, Retention: 14 * day},
	}
}

// Admin wraps kadm for topic setup and lag reporting
type Admin struct {
	adm    *kadm.Client
	logger *zap.Logger
}

// NewAdmin connects an admin client to brokers
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("redpanda: admin client: %w", err)
	}
	return &Admin{adm: kadm.NewClient(cl), logger: logger}, nil
}

// EnsureTopics creates the missing default topics and leaves existing ones alone
func (a *Admin) EnsureTopics(ctx context.Context) error {
	var errs []error
	for _, t := range DefaultTopicConfigs() {
		res, err := a.adm.CreateTopic(ctx, t.Partitions, t.ReplicationFactor, t.configs(), t.Name)
		switch {
		case errors.Is(err, kerr.TopicAlreadyExists), errors.Is(res.Err, kerr.TopicAlreadyExists):
			a.logger.Debug("topic exists", zap.String("topic", t.Name))
		case err != nil:
			errs = append(errs, fmt.Errorf("topic %s: %w", t.Name, err))
		case res.Err != nil:
			errs = append(errs, fmt.Errorf("topic %s: %w", t.Name, res.Err))
		default:
			a.logger.Info("topic created",
				zap.String("topic", t.Name),
				zap.Int32("partitions", t.Partitions),
				zap.Duration("retention", t.Retention))
		}
	}
	return errors.Join(errs...)
}

// GroupLag sums a consumer group's lag per topic
func (a *Admin) GroupLag(ctx context.Context, groupID string) (map[string]int64, error) {
	lags, err := a.adm.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("redpanda: lag for %s: %w", groupID, err)
	}
	group, ok := lags[groupID]
	if !ok {
		return map[string]int64{}, nil
	}
	if group.Error() != nil {
		return nil, fmt.Errorf("redpanda: lag for %s: %w", groupID, group.Error())
	}
	out := make(map[string]int64)
	for topic, tl := range group.Lag.TotalByTopic() {
		out[topic] = tl.Lag
	}
	return out, nil
}

// Close releases the underlying client
func (a *Admin) Close() {
	a.adm.Close()
}

// HealthCheck pings the cluster within five seconds
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("redpanda: client: %w", err)
	}
	defer cl.Close()
	return cl.Ping(ctx)
}

// headerCarrier exposes record headers as an OpenTelemetry TextMapCarrier
type headerCarrier struct {
	record *kgo.Record
}

func (c headerCarrier) Get(key string) string {
	if i := c.index(key); i >= 0 {
		return string(c.record.Headers[i].Value)
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	if i := c.index(key); i >= 0 {
		c.record.Headers[i].Value = []byte(value)
		return
	}
	c.record.Headers = append(c.record.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(c.record.Headers))
	for i, h := range c.record.Headers {
		keys[i] = h.Key
	}
	return keys
}

func (c headerCarrier) index(key string) int {
	for i, h := range c.record.Headers {
		if h.Key == key {
			return i
		}
	}
	return -1
}
