package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/venuefence/internal/health"
)

// readyTimeout bounds all dependency checks of a single /ready call.
const readyTimeout = 5 * time.Second

// RegistryStatus is the part of the region registry readiness depends on.
type RegistryStatus interface {
	LoadedAt() time.Time
	Size() int
}

// HealthHandlers provides health and readiness check endpoints for Kubernetes probes.
type HealthHandlers struct {
	checkers []health.Named
	registry RegistryStatus
	reports  ReportSource
	now      func() time.Time
}

// HealthHandlersConfig configures the health check handlers.
type HealthHandlersConfig struct {
	// Checkers are dependency probes (database, redis). A failure makes the
	// server not ready.
	Checkers []health.Named
	// Registry must have completed at least one load before the server is ready.
	Registry RegistryStatus
	// Reports, when set, adds the last analytics status to /ready. It never
	// fails readiness on its own.
	Reports ReportSource
}

// NewHealthHandlers creates a new health check handler.
func NewHealthHandlers(config HealthHandlersConfig) *HealthHandlers {
	return &HealthHandlers{
		checkers: config.Checkers,
		registry: config.Registry,
		reports:  config.Reports,
		now:      time.Now,
	}
}

// Register mounts /health and /ready on mux.
func (h *HealthHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/ready", h.Ready)
}

// HealthResponse represents the JSON response for health checks.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Regions   *int              `json:"regions,omitempty"`
	Analytics string            `json:"analytics,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health (liveness probe).
// Returns 200 whenever the process can serve requests.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, r.Context(), http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	WriteJSON(w, r.Context(), http.StatusOK, HealthResponse{
		Status:    "healthy",
		Checks:    map[string]string{"runtime": "ok"},
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready (readiness probe).
// Returns 503 when a dependency check fails or the region registry has never
// loaded.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, r.Context(), http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	resp := HealthResponse{
		Status: "healthy",
		Checks: make(map[string]string, len(h.checkers)+1),
	}
	healthy := true

	for _, c := range h.checkers {
		if err := health.Check(ctx, c.Name, c.Checker); err != nil {
			resp.Checks[c.Name] = "error"
			healthy = false
			slog.WarnContext(ctx, "dependency health check failed", "dependency", c.Name, "error", err)
			continue
		}
		resp.Checks[c.Name] = "ok"
	}

	if h.registry != nil {
		if h.registry.LoadedAt().IsZero() {
			resp.Checks["regions"] = "not_loaded"
			healthy = false
		} else {
			resp.Checks["regions"] = "ok"
			n := h.registry.Size()
			resp.Regions = &n
		}
	}

	if h.reports != nil {
		if report := h.reports.Last(); report != nil {
			resp.Analytics = report.Status
		}
	}

	statusCode := http.StatusOK
	if !healthy {
		resp.Status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}
	resp.Timestamp = h.now().UTC().Format(time.RFC3339)
	WriteJSON(w, r.Context(), statusCode, resp)
}
