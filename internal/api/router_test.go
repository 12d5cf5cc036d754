package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/onnwee/venuefence/internal/auth"
	"github.com/onnwee/venuefence/internal/middleware"
)

type routerFixture struct {
	handler http.Handler
	jwt     *auth.JWTService
	metrics *middleware.Metrics
	reg     *prometheus.Registry
	logs    *bytes.Buffer
}

func newRouterFixture(t *testing.T, location middleware.RateLimitConfig) *routerFixture {
	t.Helper()
	env := newTestEnv(t)

	reg := prometheus.NewRegistry()
	metrics := middleware.NewMetrics()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("register metrics: %v", err)
	}

	f := &routerFixture{
		jwt:     auth.NewJWTService("router-test-secret"),
		metrics: metrics,
		reg:     reg,
		logs:    &bytes.Buffer{},
	}
	f.handler = NewRouter(RouterConfig{
		Geofence:       env.handlers,
		Health:         NewHealthHandlers(HealthHandlersConfig{Registry: env.registry}),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Verifier:       f.jwt,
		Logger:         slog.New(slog.NewJSONHandler(f.logs, nil)),
		Metrics:        metrics,
		RateLimitStore: middleware.NewInMemoryRateLimitStore(),
		GlobalLimit:    middleware.DefaultGlobalLimit(),
		LocationLimit:  location,
	})
	return f
}

func (f *routerFixture) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := f.jwt.Issue(userID, time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (f *routerFixture) do(method, path, body, token string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func TestRouter_ProbesArePublic(t *testing.T) {
	f := newRouterFixture(t, middleware.DefaultLocationLimit())

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		if w := f.do(http.MethodGet, path, "", ""); w.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, w.Code)
		}
	}
}

func TestRouter_RequiresBearerToken(t *testing.T) {
	f := newRouterFixture(t, middleware.DefaultLocationLimit())

	w := f.do(http.MethodGet, "/geofence/status", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if got := decodeError(t, w); got.Code != ErrCodeAuthFailed {
		t.Errorf("code = %s", got.Code)
	}
	if w.Header().Get("WWW-Authenticate") == "" {
		t.Error("expected WWW-Authenticate header")
	}

	w = f.do(http.MethodGet, "/geofence/status", "", "not-a-jwt")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("garbage token status = %d", w.Code)
	}
}

func TestRouter_AuthenticatedFlow(t *testing.T) {
	f := newRouterFixture(t, middleware.DefaultLocationLimit())
	tok := f.token(t, "user-1")

	w := f.do(http.MethodPost, "/geofence/subscribe", `{"region_id":"venue-a","lat":40.7489,"lon":-73.968}`, tok)
	if w.Code != http.StatusCreated {
		t.Fatalf("subscribe = %d, body %s", w.Code, w.Body.String())
	}
	if w.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("expected request id header on response")
	}

	w = f.do(http.MethodGet, "/geofence/status", "", tok)
	status := decodeBody[StatusResponse](t, w)
	if status.UserID != "user-1" || len(status.Memberships) != 1 {
		t.Errorf("status = %+v", status)
	}

	var entry struct {
		UserID string `json:"user_id"`
		Path   string `json:"path"`
	}
	lines := strings.Split(strings.TrimSpace(f.logs.String()), "\n")
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("parse log line: %v", err)
	}
	if entry.UserID != "user-1" || entry.Path != "/geofence/status" {
		t.Errorf("log entry = %+v", entry)
	}
}

func TestRouter_LocationRateLimitedPerUser(t *testing.T) {
	f := newRouterFixture(t, middleware.RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute})
	alice := f.token(t, "alice")
	bob := f.token(t, "bob")

	body := `{"lat":40.7489,"lon":-73.968}`
	for i := 0; i < 2; i++ {
		if w := f.do(http.MethodPost, "/geofence/location", body, alice); w.Code != http.StatusOK {
			t.Fatalf("request %d = %d, body %s", i, w.Code, w.Body.String())
		}
	}

	w := f.do(http.MethodPost, "/geofence/location", body, alice)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	if w := f.do(http.MethodPost, "/geofence/location", body, bob); w.Code != http.StatusOK {
		t.Errorf("other user = %d, want 200", w.Code)
	}

	// Status reads are not subject to the location limit.
	if w := f.do(http.MethodGet, "/geofence/status", "", alice); w.Code != http.StatusOK {
		t.Errorf("status after limit = %d, want 200", w.Code)
	}
}

func TestRouter_RecordsAuthFailures(t *testing.T) {
	f := newRouterFixture(t, middleware.DefaultLocationLimit())

	f.do(http.MethodGet, "/geofence/status", "", "")
	f.do(http.MethodGet, "/geofence/status", "", "")

	families, err := f.reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var authFailures *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == middleware.MetricAuthFailures {
			authFailures = mf
		}
	}
	if authFailures == nil {
		t.Fatalf("%s not exported", middleware.MetricAuthFailures)
	}
	var got float64
	for _, m := range authFailures.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "reason" && lp.GetValue() != "missing" {
				t.Errorf("reason = %q, want missing", lp.GetValue())
			}
		}
		got += m.GetCounter().GetValue()
	}
	if got != 2 {
		t.Errorf("auth failures = %v, want 2", got)
	}
}
