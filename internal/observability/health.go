package observability

import (
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

// HealthChecker backs /healthz and /readyz. The service is ready once
// recovery has finished and every registered dependency reports healthy.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time

	mu   sync.RWMutex
	deps map[string]bool
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		deps:      make(map[string]bool),
	}
}

// SetReady marks recovery as complete (or not).
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// SetDependency records the health of a named dependency (postgres, nats).
func (h *HealthChecker) SetDependency(name string, healthy bool) {
	h.mu.Lock()
	h.deps[name] = healthy
	h.mu.Unlock()
}

// IsReady reports whether recovery is complete and all dependencies are up.
func (h *HealthChecker) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ok := range h.deps {
		if !ok {
			return false
		}
	}
	return true
}

// Unhealthy lists the dependencies currently reported down, sorted.
func (h *HealthChecker) Unhealthy() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for name, ok := range h.deps {
		if !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// LivenessHandler answers 200 while the process runs.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler answers 200 when IsReady, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.IsReady() {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
		return
	}
	body := map[string]interface{}{"status": "not_ready"}
	if down := h.Unhealthy(); len(down) > 0 {
		body["unhealthy"] = down
	}
	writeJSON(w, http.StatusServiceUnavailable, body)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
