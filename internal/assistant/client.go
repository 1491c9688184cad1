// Package assistant relays user prompts to the Gemini generateContent API.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/healthsync/go-healthsync/internal/observability/metrics"
	"github.com/healthsync/go-healthsync/pkg/circuitbreaker"
)

var (
	// ErrEmptyPrompt is returned for blank prompts
	ErrEmptyPrompt = errors.New("prompt is required")
	// ErrBadSuggestion is returned when the model reply is not a usable appointment
	ErrBadSuggestion = errors.New("model returned an invalid appointment suggestion")
	// ErrNotConfigured is returned when no API key is set
	ErrNotConfigured = errors.New("assistant is not configured")
)

// APIError is a non-2xx reply from the model API
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gemini api returned %d: %s", e.StatusCode, e.Body)
}

// IsCallerError reports whether err was caused by the request rather than
// the remote service. Such errors do not trip the breaker.
func IsCallerError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests
	}
	return errors.Is(err, ErrEmptyPrompt)
}

// BreakerConfig returns the breaker settings used for the model API
func BreakerConfig() circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig("gemini")
	cfg.IsCallerError = IsCallerError
	return cfg
}

// Config holds client configuration
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// DefaultConfig returns the public endpoint with a conservative timeout
func DefaultConfig(apiKey, model string) Config {
	return Config{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: "https://generativelanguage.googleapis.com",
		Timeout: 30 * time.Second,
	}
}

// Client calls the model through a circuit breaker
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewClient creates a client. m may be nil.
func NewClient(cfg Config, breaker *circuitbreaker.CircuitBreaker, m *metrics.Metrics, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("assistant"),
	}
}

// Chat answers a general healthcare question
func (c *Client) Chat(ctx context.Context, prompt string) (string, error) {
	text, err := c.generate(ctx, "chat", chatInstructions, prompt)
	c.observe("chat", err)
	return text, err
}

// Suggestion is a structured appointment proposal
type Suggestion struct {
	DoctorName   string `json:"doctorName"`
	HospitalName string `json:"hospitalName,omitempty"`
	Date         string `json:"date"`
	Time         string `json:"time"`
	Type         string `json:"type"`
	Notes        string `json:"notes,omitempty"`
}

var clockPattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// Validate checks the fields a client needs to create an appointment
func (s Suggestion) Validate() error {
	if strings.TrimSpace(s.DoctorName) == "" {
		return fmt.Errorf("%w: doctorName is missing", ErrBadSuggestion)
	}
	if strings.TrimSpace(s.Type) == "" {
		return fmt.Errorf("%w: type is missing", ErrBadSuggestion)
	}
	if _, err := time.Parse("2006-01-02", s.Date); err != nil {
		return fmt.Errorf("%w: date %q is not YYYY-MM-DD", ErrBadSuggestion, s.Date)
	}
	if !clockPattern.MatchString(s.Time) {
		return fmt.Errorf("%w: time %q is not HH:MM", ErrBadSuggestion, s.Time)
	}
	return nil
}

// SuggestAppointment turns a free-text request into an appointment proposal
func (c *Client) SuggestAppointment(ctx context.Context, prompt string) (*Suggestion, error) {
	text, err := c.generate(ctx, "appointment", appointmentInstructions, prompt)
	if err != nil {
		c.observe("appointment", err)
		return nil, err
	}

	s, err := ParseSuggestion(text)
	c.observe("appointment", err)
	if err != nil {
		c.logger.Warn("unusable appointment suggestion", zap.Error(err))
		return nil, err
	}
	return s, nil
}

// ParseSuggestion decodes a model reply, tolerating markdown code fences
func ParseSuggestion(text string) (*Suggestion, error) {
	var s Suggestion
	if err := json.Unmarshal([]byte(stripFences(text)), &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSuggestion, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	// drop the language tag on the opening fence
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[i+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	SystemInstruction content   `json:"systemInstruction"`
	Contents          []content `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

func (c *Client) generate(ctx context.Context, kind, instructions, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	if c.cfg.APIKey == "" {
		return "", ErrNotConfigured
	}

	ctx, span := c.tracer.Start(ctx, "assistant_generate",
		trace.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("model", c.cfg.Model),
		))
	defer span.End()

	body, err := json.Marshal(generateRequest{
		SystemInstruction: content{Parts: []part{{Text: instructions}}},
		Contents:          []content{{Role: "user", Parts: []part{{Text: prompt}}}},
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	var text string
	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		text, err = c.post(ctx, body)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return text, nil
}

func (c *Client) post(ctx context.Context, body []byte) (string, error) {
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		c.cfg.BaseURL, url.PathEscape(c.cfg.Model), url.QueryEscape(c.cfg.APIKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("call gemini: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return "", &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	var sb strings.Builder
	for _, cand := range out.Candidates {
		for _, p := range cand.Content.Parts {
			sb.WriteString(p.Text)
		}
		if sb.Len() > 0 {
			break
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("gemini returned no candidates")
	}
	return sb.String(), nil
}

func (c *Client) observe(kind string, err error) {
	if c.metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, circuitbreaker.ErrOpen):
		outcome = "rejected"
	case errors.Is(err, ErrBadSuggestion):
		outcome = "bad_reply"
	default:
		outcome = "error"
	}
	c.metrics.AIRequests.WithLabelValues(kind, outcome).Inc()
}
