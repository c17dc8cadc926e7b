package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// HealthServer exposes /healthz and /readyz. Readiness follows the consumer
// loop: ready only while it is consuming.
type HealthServer struct {
	ready atomic.Bool
	state atomic.Value // string
}

// NewHealthServer creates a health server reporting "starting".
func NewHealthServer() *HealthServer {
	h := &HealthServer{}
	h.state.Store("starting")
	return h
}

// SetReady marks the server as ready to receive traffic.
func (h *HealthServer) SetReady(ready bool) {
	h.ready.Store(ready)
}

// SetState records the consumer state reported by /readyz.
func (h *HealthServer) SetState(state string) {
	h.state.Store(state)
}

// Handler returns an http.Handler with health and readiness endpoints.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	return mux
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	state, _ := h.state.Load().(string)
	if h.ready.Load() {
		writeStatus(w, http.StatusOK, map[string]string{"status": "ready", "state": state})
		return
	}
	writeStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "state": state})
}

func writeStatus(w http.ResponseWriter, code int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
