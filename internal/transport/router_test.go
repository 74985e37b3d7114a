package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/model"
)

func testDeps() Dependencies {
	cfg := config.Defaults()
	cfg.Server.CORS.AllowedOrigins = []string{"https://app.example.com"}
	cfg.Server.HandlerTimeout = 5 * time.Second
	return Dependencies{
		Config:    cfg,
		Metrics:   observability.NewMetrics(prometheus.NewRegistry()),
		Readiness: observability.ReadinessChecks{Tables: func() int { return 1 }},
	}
}

func rejectAll(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, model.NewUnauthorizedError("rejected"))
	})
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestNewRouter_publicEndpoints(t *testing.T) {
	notReady := testDeps()
	notReady.Readiness.Tables = func() int { return 0 }
	noMetrics := testDeps()
	noMetrics.Config.Observability.Metrics.Enabled = false

	tests := []struct {
		name   string
		deps   Dependencies
		path   string
		status int
	}{
		{"health", testDeps(), "/ui/health", http.StatusOK},
		{"ready", testDeps(), "/ui/ready", http.StatusOK},
		{"not ready without tables", notReady, "/ui/ready", http.StatusServiceUnavailable},
		{"metrics", testDeps(), "/metrics", http.StatusOK},
		{"metrics disabled", noMetrics, "/metrics", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := serve(NewRouter(tt.deps), http.MethodGet, tt.path); w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
		})
	}
}

func TestNewRouter_healthBody(t *testing.T) {
	w := serve(NewRouter(testDeps()), http.MethodGet, "/ui/health")
	var body observability.HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if w.Header().Get("X-Frame-Options") != "DENY" || w.Header().Get(correlationHeader) == "" {
		t.Errorf("global middleware skipped on health: %v", w.Header())
	}
}

func TestNewRouter_tableRoutesRequireAuth(t *testing.T) {
	deps := testDeps()
	deps.Authenticate = rejectAll
	r := NewRouter(deps)

	routes := []struct{ method, path string }{
		{http.MethodGet, "/ui/tables"},
		{http.MethodGet, "/ui/tables/sales.orders"},
		{http.MethodGet, "/ui/tables/sales.orders/data"},
		{http.MethodPost, "/ui/tables/sales.orders/sessions"},
		{http.MethodGet, "/ui/sessions/s-1"},
		{http.MethodPost, "/ui/sessions/s-1/actions"},
		{http.MethodDelete, "/ui/sessions/s-1"},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			if w := serve(r, rt.method, rt.path); w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}

	for _, path := range []string{"/ui/health", "/ui/ready", "/metrics"} {
		if w := serve(r, http.MethodGet, path); w.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200 without a token", path, w.Code)
		}
	}
}

func TestNewRouter_unknownRoute(t *testing.T) {
	if w := serve(NewRouter(testDeps()), http.MethodGet, "/ui/forms/x"); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
