package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	jsonAlive      = []byte(`{"status":"alive"}`)
	jsonReady      = []byte(`{"status":"ready"}`)
	jsonNotReady   = []byte(`{"status":"not_ready"}`)
	jsonStarted    = []byte(`{"status":"started"}`)
	jsonNotStarted = []byte(`{"status":"not_started"}`)
)

// Pinger checks connectivity to a dependency (Redis, the database).
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker serves startup, liveness and readiness probes.
type HealthChecker struct {
	started atomic.Bool
	ready   atomic.Bool

	mu      sync.RWMutex
	pingers map[string]Pinger
}

// NewHealthChecker creates a checker in the not-started, not-ready state.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{pingers: make(map[string]Pinger)}
}

func (h *HealthChecker) SetStarted()     { h.started.Store(true) }
func (h *HealthChecker) IsStarted() bool { return h.started.Load() }
func (h *HealthChecker) SetReady()       { h.ready.Store(true) }
func (h *HealthChecker) SetNotReady()    { h.ready.Store(false) }
func (h *HealthChecker) IsReady() bool   { return h.ready.Load() }

// SetPinger registers a dependency for deep readiness checks under name.
// A nil pinger removes it.
func (h *HealthChecker) SetPinger(name string, p Pinger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p == nil {
		delete(h.pingers, name)
		return
	}
	h.pingers[name] = p
}

func (h *HealthChecker) StartzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if h.IsStarted() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(jsonStarted)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write(jsonNotStarted)
	}
}

func (h *HealthChecker) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(jsonAlive)
	}
}

// ReadyzHandler returns 200 when ready and 503 otherwise. With ?deep=true
// every registered dependency is pinged and any failure yields 503; the
// body reports each dependency as "ok" or "unreachable".
func (h *HealthChecker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if !h.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write(jsonNotReady)
			return
		}
		if r.URL.Query().Get("deep") != "true" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(jsonReady)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		body, healthy := h.deepCheck(ctx)
		if healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(body)
	}
}

func (h *HealthChecker) deepCheck(ctx context.Context) (map[string]string, bool) {
	h.mu.RLock()
	names := make([]string, 0, len(h.pingers))
	for name := range h.pingers {
		names = append(names, name)
	}
	pingers := make([]Pinger, len(names))
	sort.Strings(names)
	for i, name := range names {
		pingers[i] = h.pingers[name]
	}
	h.mu.RUnlock()

	body := map[string]string{"status": "ready"}
	healthy := true
	for i, name := range names {
		if err := pingers[i].Ping(ctx); err != nil {
			body[name] = "unreachable"
			healthy = false
			continue
		}
		body[name] = "ok"
	}
	if !healthy {
		body["status"] = "not_ready"
	}
	return body, healthy
}
