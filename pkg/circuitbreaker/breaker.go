// Package circuitbreaker protects the services from slow or failing third
// parties such as the Gemini API and the Telegram Bot API. It builds on the
// two-step breaker from sony/gobreaker and reports through OpenTelemetry.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrOpen is wrapped by every error returned for a rejected call
var ErrOpen = errors.New("circuit open")

// State is the breaker position
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Gauge is the numeric form exported to Prometheus: 0 closed, 1 open,
// 2 half-open.
func (s State) Gauge() float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	}
	return 0
}

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	}
	return StateClosed
}

// Config describes when a breaker trips and how it recovers
type Config struct {
	Name string
	// HalfOpenProbes is how many trial calls run while half-open
	HalfOpenProbes uint32
	// Window clears the closed-state counts periodically. Zero never clears.
	Window time.Duration
	// Cooldown is the time spent open before probing
	Cooldown time.Duration
	// ConsecutiveFailures trips the breaker on its own below MinRequests
	ConsecutiveFailures uint32
	// FailureRatio trips the breaker once MinRequests calls were seen
	FailureRatio float64
	MinRequests  uint32
	// IsCallerError recognises errors caused by the request itself. They
	// are returned unchanged and count as successes.
	IsCallerError func(error) bool
}

// DefaultConfig suits slow HTTP APIs called a few times a minute
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		HalfOpenProbes:      2,
		Window:              time.Minute,
		Cooldown:            30 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.6,
		MinRequests:         10,
	}
}

func (c Config) tripper() func(gobreaker.Counts) bool {
	return func(n gobreaker.Counts) bool {
		if n.Requests >= c.MinRequests && n.Requests > 0 {
			return float64(n.TotalFailures)/float64(n.Requests) >= c.FailureRatio
		}
		return n.ConsecutiveFailures >= c.ConsecutiveFailures
	}
}

// StateListener receives the breaker name and State.Gauge after each transition
type StateListener func(name string, state float64)

// CircuitBreaker runs calls to one downstream
type CircuitBreaker struct {
	name     string
	tb       *gobreaker.TwoStepCircuitBreaker
	isCaller func(error) bool
	tracer   trace.Tracer
	logger   *zap.Logger

	calls    metric.Int64Counter
	rejected metric.Int64Counter
	attrs    metric.MeasurementOption
}

// New builds a breaker. listener may be nil.
func New(cfg Config, listener StateListener, logger *zap.Logger) (*CircuitBreaker, error) {
	if cfg.Name == "" {
		return nil, errors.New("circuitbreaker: name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	isCaller := cfg.IsCallerError
	if isCaller == nil {
		isCaller = func(error) bool { return false }
	}

	meter := otel.Meter("healthsync/circuitbreaker")
	calls, err := meter.Int64Counter("circuit_breaker.calls",
		metric.WithDescription("Calls through the breaker by outcome"))
	if err != nil {
		return nil, fmt.Errorf("circuitbreaker: calls counter: %w", err)
	}
	rejected, err := meter.Int64Counter("circuit_breaker.rejected",
		metric.WithDescription("Calls refused without reaching the downstream"))
	if err != nil {
		return nil, fmt.Errorf("circuitbreaker: rejected counter: %w", err)
	}

	c := &CircuitBreaker{
		name:     cfg.Name,
		isCaller: isCaller,
		tracer:   otel.Tracer("healthsync/circuitbreaker"),
		logger:   logger.With(zap.String("breaker", cfg.Name)),
		calls:    calls,
		rejected: rejected,
		attrs:    metric.WithAttributes(attribute.String("breaker", cfg.Name)),
	}
	c.tb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenProbes,
		Interval:    cfg.Window,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: cfg.tripper(),
		OnStateChange: func(_ string, from, to gobreaker.State) {
			c.logger.Warn("breaker state changed",
				zap.String("from", string(stateOf(from))),
				zap.String("to", string(stateOf(to))))
			if listener != nil {
				listener(cfg.Name, stateOf(to).Gauge())
			}
		},
	})
	return c, nil
}

// Name returns the downstream the breaker guards
func (c *CircuitBreaker) Name() string { return c.name }

// Execute calls fn unless the breaker is open. A refused call returns an
// error wrapping ErrOpen. Caller errors and cancellation by the caller do
// not count against the downstream.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, "breaker "+c.name,
		trace.WithAttributes(attribute.String("breaker.state", string(c.GetState()))))
	defer span.End()

	done, err := c.tb.Allow()
	if err != nil {
		c.rejected.Add(ctx, 1, c.attrs)
		span.SetStatus(codes.Error, "rejected")
		return fmt.Errorf("%w: %s: %v", ErrOpen, c.name, err)
	}

	err = fn(ctx)
	ok := err == nil || c.isCaller(err) || (ctx.Err() != nil && errors.Is(err, ctx.Err()))
	done(ok)

	outcome := "success"
	switch {
	case err == nil:
	case ok:
		outcome = "caller_error"
	default:
		outcome = "failure"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.calls.Add(ctx, 1, c.attrs, metric.WithAttributes(attribute.String("outcome", outcome)))
	return err
}

// GetState returns the current position
func (c *CircuitBreaker) GetState() State {
	return stateOf(c.tb.State())
}

// Counts returns the counters of the current window
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.tb.Counts()
}

// Manager keeps one breaker per downstream name, all built from the same
// base configuration
type Manager struct {
	base     Config
	listener StateListener
	logger   *zap.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewManager returns an empty manager
func NewManager(base Config, listener StateListener, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		base:     base,
		listener: listener,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// GetOrCreate returns the breaker for name, building it on first use
func (m *Manager) GetOrCreate(name string) (*CircuitBreaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb := m.breakers[name]; cb != nil {
		return cb, nil
	}
	cfg := m.base
	cfg.Name = name
	cb, err := New(cfg, m.listener, m.logger)
	if err != nil {
		return nil, err
	}
	m.breakers[name] = cb
	return cb, nil
}

// HealthStatus is one breaker's entry in a health report
type HealthStatus struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
	Healthy  bool   `json:"healthy"`
}

// GetHealthStatus reports every breaker, sorted by name. Only closed
// breakers are healthy.
func (m *Manager) GetHealthStatus() []HealthStatus {
	m.mu.Lock()
	all := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		all = append(all, cb)
	}
	m.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].name < all[j].name })
	out := make([]HealthStatus, len(all))
	for i, cb := range all {
		n, st := cb.Counts(), cb.GetState()
		out[i] = HealthStatus{
			Name:     cb.name,
			State:    st,
			Requests: n.Requests,
			Failures: n.TotalFailures,
			Healthy:  st == StateClosed,
		}
	}
	return out
}
