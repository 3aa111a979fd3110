package observability_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"

	"PredictCore/internal/observability"
)

func readiness(t *testing.T, h *observability.HealthChecker) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body %q: %v", rec.Body.String(), err)
	}
	return rec.Code, body
}

func TestReadiness_RequiresRecoveryAndDependencies(t *testing.T) {
	h := observability.NewHealthChecker()
	h.SetDependency("postgres", true)
	h.SetDependency("nats", false)

	if code, _ := readiness(t, h); code != http.StatusServiceUnavailable {
		t.Fatalf("before recovery: %d", code)
	}

	h.SetReady(true)
	code, body := readiness(t, h)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("with nats down: %d", code)
	}
	down, _ := body["unhealthy"].([]interface{})
	if len(down) != 1 || down[0] != "nats" {
		t.Fatalf("unhealthy = %v", body["unhealthy"])
	}

	h.SetDependency("nats", true)
	if code, body := readiness(t, h); code != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("all up: %d %v", code, body)
	}
}

func TestLiveness_AlwaysOK(t *testing.T) {
	h := observability.NewHealthChecker()
	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("liveness = %d", rec.Code)
	}
}

func TestNewMetrics_RegistersOnFreshRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	m.Published.Inc()
	m.SetChannelMetrics("persist", 10, 100)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("no metric families registered")
	}
}
