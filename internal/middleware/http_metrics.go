package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// staticRoutes are reported under their own path.
var staticRoutes = map[string]bool{
	"/geofence/location":    true,
	"/geofence/check":       true,
	"/geofence/status":      true,
	"/geofence/subscribe":   true,
	"/geofence/unsubscribe": true,
	"/health":               true,
	"/ready":                true,
	"/metrics":              true,
}

// unmatchedRoute labels every path that is not a known route.
const unmatchedRoute = "other"

// normalizePath maps a request path to its route pattern so region IDs do not
// become metric labels. Unknown paths collapse into a single label.
func normalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}

	// /geofence/regions/{id}/users and /geofence/regions/{id}/stats
	if rest, ok := strings.CutPrefix(path, "/geofence/regions/"); ok {
		parts := strings.Split(rest, "/")
		if len(parts) == 2 && parts[0] != "" && (parts[1] == "users" || parts[1] == "stats") {
			return "/geofence/regions/{id}/" + parts[1]
		}
	}

	return unmatchedRoute
}

// metricsResponseWriter captures status code and response size.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// HTTPMetrics records duration, sizes and counts for every request except
// the /health and /ready probes.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			mrw := newMetricsResponseWriter(w)

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}

			next.ServeHTTP(mrw, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(),
				requestSize,
				mrw.size,
			)
		})
	}
}
