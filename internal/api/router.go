package api

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/venuefence/internal/middleware"
)

// RouterConfig holds everything NewRouter wires together.
type RouterConfig struct {
	Geofence *GeofenceHandlers
	Health   *HealthHandlers
	// MetricsHandler serves /metrics. Nil leaves the route unmounted.
	MetricsHandler http.Handler

	Verifier middleware.TokenVerifier
	Logger   *slog.Logger
	Metrics  *middleware.Metrics

	// RateLimitStore backs both limiters. Nil disables rate limiting.
	RateLimitStore middleware.RateLimitStore
	// GlobalLimit applies per client IP to every authenticated route.
	GlobalLimit middleware.RateLimitConfig
	// LocationLimit applies per user to POST /geofence/location.
	LocationLimit middleware.RateLimitConfig

	ServiceName string
}

// publicPaths bypass authentication and rate limiting.
var publicPaths = []string{"/health", "/ready", "/metrics"}

// NewRouter builds the server handler. Requests pass through
// RequestID, Tracing, Logging, HTTPMetrics, RateLimiter and Auth in that
// order before reaching the mux.
func NewRouter(config RouterConfig) http.Handler {
	mux := http.NewServeMux()

	if config.Health != nil {
		config.Health.Register(mux)
	}
	if config.MetricsHandler != nil {
		mux.Handle("/metrics", config.MetricsHandler)
	}
	if config.Geofence != nil {
		config.Geofence.Register(mux)
	}

	var handler http.Handler = mux

	if config.RateLimitStore != nil {
		// Per-user location limit needs the user ID, so it sits inside Auth.
		locationLimited := middleware.RateLimiter(config.RateLimitStore, config.LocationLimit, middleware.UserKeyFunc(), config.Metrics)(mux)
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && r.URL.Path == "/geofence/location" {
				locationLimited.ServeHTTP(w, r)
				return
			}
			mux.ServeHTTP(w, r)
		})
	}

	if config.Verifier != nil {
		handler = middleware.Auth(config.Verifier, config.Metrics, publicPaths...)(handler)
	}

	if config.RateLimitStore != nil {
		handler = skipPublic(middleware.RateLimiter(config.RateLimitStore, config.GlobalLimit, middleware.IPKeyFunc(), config.Metrics), handler)
	}

	if config.Metrics != nil {
		handler = middleware.HTTPMetrics(config.Metrics)(handler)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	handler = middleware.Logging(logger)(handler)

	serviceName := config.ServiceName
	if serviceName == "" {
		serviceName = "venuefence"
	}
	handler = middleware.Tracing(serviceName)(handler)

	return middleware.RequestID(handler)
}

// skipPublic applies mw to every request except probes and /metrics.
func skipPublic(mw func(http.Handler) http.Handler, next http.Handler) http.Handler {
	wrapped := mw(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range publicPaths {
			if r.URL.Path == p {
				next.ServeHTTP(w, r)
				return
			}
		}
		wrapped.ServeHTTP(w, r)
	})
}
