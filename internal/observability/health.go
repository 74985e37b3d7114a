package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Set with -ldflags "-X".
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness body. Status is "ready" only when
// every check passed.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker verifies a dependency such as a database pool.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks configures the readiness endpoint.
type ReadinessChecks struct {
	// Tables reports the number of loaded table definitions. The service
	// is not ready while it is zero.
	Tables func() int
	// OpenAPILoaded is checked only when set, which the service does when
	// HTTP datasources are configured.
	OpenAPILoaded func() bool
	// Dependencies are pinged concurrently.
	Dependencies map[string]HealthChecker
	// Timeout bounds each dependency check. Defaults to two seconds.
	Timeout time.Duration
}

// HandleHealth serves the liveness probe.
func HandleHealth() http.HandlerFunc {
	body := HealthResponse{Status: "ok", Version: Version, Commit: Commit}
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, body)
	}
}

// HandleReady serves the readiness probe.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	timeout := checks.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		results := map[string]CheckResult{"definitions": tablesCheck(checks.Tables)}
		if checks.OpenAPILoaded != nil {
			results["openapi_index"] = timed(func() (string, error) {
				if !checks.OpenAPILoaded() {
					return "", fmt.Errorf("no OpenAPI specs loaded")
				}
				return "", nil
			})
		}

		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		for name, checker := range checks.Dependencies {
			if checker == nil {
				continue
			}
			wg.Go(func() {
				ctx, cancel := context.WithTimeout(r.Context(), timeout)
				defer cancel()
				res := timed(func() (string, error) { return "", checker.HealthCheck(ctx) })
				mu.Lock()
				results[name] = res
				mu.Unlock()
			})
		}
		wg.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: results}
		status := http.StatusOK
		for _, res := range results {
			if res.Status != "ok" {
				resp.Status = "not_ready"
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, status, resp)
	}
}

func tablesCheck(count func() int) CheckResult {
	return timed(func() (string, error) {
		n := 0
		if count != nil {
			n = count()
		}
		if n == 0 {
			return "", fmt.Errorf("no table definitions loaded")
		}
		return fmt.Sprintf("%d tables", n), nil
	})
}

func timed(check func() (string, error)) CheckResult {
	start := time.Now()
	detail, err := check()
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds(), Detail: detail}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
