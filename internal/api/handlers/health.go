package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/nikhilbhutani/supertts/internal/enginepool"
)

// Pinger is satisfied by the Redis-backed audio cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	pool    *enginepool.Pool
	redis   Pinger
	version string
}

// NewHealthHandler builds the probe handlers. rdb may be nil when Redis is
// not configured.
func NewHealthHandler(pool *enginepool.Pool, rdb Pinger, version string) *HealthHandler {
	return &HealthHandler{pool: pool, redis: rdb, version: version}
}

type healthResponse struct {
	Status      string           `json:"status"`
	Timestamp   string           `json:"timestamp"`
	Version     string           `json:"version"`
	ModelLoaded bool             `json:"model_loaded"`
	PoolStats   enginepool.Stats `json:"pool_stats"`
}

// Health reports service status together with the engine pool counters.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "healthy",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Version:     h.version,
		ModelLoaded: !h.pool.Closed(),
		PoolStats:   h.pool.Stats(),
	})
}

func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}

	if h.pool.Closed() {
		checks["engine_pool"] = "unhealthy: shutting down"
	} else {
		checks["engine_pool"] = "ok"
	}

	if h.redis != nil {
		if err := h.redis.Ping(r.Context()); err != nil {
			checks["redis"] = "unhealthy: " + err.Error()
		} else {
			checks["redis"] = "ok"
		}
	}

	status := http.StatusOK
	for _, v := range checks {
		if v != "ok" {
			status = http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(w, status, map[string]any{"status": statusStr(status), "checks": checks})
}

func statusStr(code int) string {
	if code == http.StatusOK {
		return "ok"
	}
	return "unhealthy"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
