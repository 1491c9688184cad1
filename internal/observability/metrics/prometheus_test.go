package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsAreServed(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.PrescriptionsCreated.Inc()
	m.AIRequests.WithLabelValues("chat", "ok").Inc()
	m.SetBreakerState("gemini", 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"healthsync_prescriptions_created_total 1",
		`healthsync_ai_requests_total{kind="chat",outcome="ok"} 1`,
		`healthsync_circuit_breaker_state{name="gemini"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}
