package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/session"
	"github.com/pitabwire/tabula/model"
)

// ==========================================================================
// Backend failures
// ==========================================================================

func TestResilience_BackendErrorsMapToGatewayStatuses(t *testing.T) {
	tests := []struct {
		name    string
		respond func(*OperationMock)
		status  int
		code    string
	}{
		{
			name:    "server error",
			respond: func(om *OperationMock) { om.RespondWith(http.StatusServiceUnavailable, nil) },
			status:  http.StatusBadGateway,
			code:    model.ErrBackendUnavailable,
		},
		{
			name:    "not found",
			respond: func(om *OperationMock) { om.RespondWith(http.StatusNotFound, nil) },
			status:  http.StatusNotFound,
			code:    model.ErrNotFound,
		},
		{
			name:    "forbidden",
			respond: func(om *OperationMock) { om.RespondWith(http.StatusForbidden, nil) },
			status:  http.StatusForbidden,
			code:    model.ErrForbidden,
		},
		{
			name:    "rejected query",
			respond: func(om *OperationMock) { om.RespondWith(http.StatusUnprocessableEntity, nil) },
			status:  http.StatusBadRequest,
			code:    model.ErrBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewTestHarness(t)
			token := h.GenerateToken(ViewerClaims())
			tt.respond(h.Backend().OnOperation("listOrders"))

			h.AssertError(t, h.GET("/ui/tables/orders.recent/data", token), tt.status, tt.code)
		})
	}
}

func TestResilience_SlowBackendTimesOut(t *testing.T) {
	h := NewTestHarness(t, WithBackendTimeout(200*time.Millisecond))
	token := h.GenerateToken(ViewerClaims())

	h.Backend().OnOperation("listOrders").
		RespondWithDelay(3*time.Second, http.StatusOK, OrderListFixture(nil, 0))

	start := time.Now()
	h.AssertError(t, h.GET("/ui/tables/orders.recent/data", token), http.StatusGatewayTimeout, model.ErrBackendTimeout)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("request took %v, want the backend timeout to cut it short", elapsed)
	}
}

func TestResilience_FailedSessionIsNotRegistered(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ViewerClaims())

	h.Backend().OnOperation("listOrders").RespondWith(http.StatusInternalServerError, nil)

	resp := h.POST("/ui/tables/orders.recent/sessions", nil, token)
	h.AssertError(t, resp, http.StatusBadGateway, model.ErrBackendUnavailable)
	if n := h.Sessions.Len(); n != 0 {
		t.Errorf("open sessions = %d, want 0", n)
	}
}

func TestResilience_SessionKeepsLastRowsOnRefreshFailure(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ViewerClaims())

	h.Backend().OnOperation("listOrders").
		RespondWith(http.StatusOK, OrderListFixture(OrderPageFixture(1, 25), 40)).
		RespondWith(http.StatusInternalServerError, nil)

	id := h.CreateSession(t, "orders.recent", token).ID

	h.Act(t, id, model.SessionAction{Type: session.ActionNextPage}, token)
	view := h.Act(t, id, model.SessionAction{Type: session.ActionFlush}, token)

	if view.Error == "" {
		t.Error("session should report the failed fetch")
	}
	if len(view.Rows) != 25 || view.Rows[0]["id"] != "ord-001" {
		t.Errorf("rows = %d first %v, want the previous page kept", len(view.Rows), view.Rows[0]["id"])
	}
}

// ==========================================================================
// Circuit breaker
// ==========================================================================

func TestResilience_CircuitBreakerOpensAfterFailures(t *testing.T) {
	h := NewTestHarness(t,
		WithCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		}),
	)
	token := h.GenerateToken(ViewerClaims())

	h.Backend().OnOperation("listOrders").RespondWith(http.StatusInternalServerError, nil)

	for range 3 {
		h.AssertStatus(t, h.GET("/ui/tables/orders.recent/data", token), http.StatusBadGateway)
	}
	h.Backend().AssertCalled(t, "listOrders", 3)

	// Open: rejected without reaching the backend.
	h.AssertError(t, h.GET("/ui/tables/orders.recent/data", token), http.StatusBadGateway, model.ErrBackendUnavailable)
	h.Backend().AssertCalled(t, "listOrders", 3)
}

func TestResilience_CircuitBreakerRecovers(t *testing.T) {
	h := NewTestHarness(t,
		WithCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          500 * time.Millisecond,
		}),
	)
	token := h.GenerateToken(ViewerClaims())

	h.Backend().OnOperation("listOrders").RespondWith(http.StatusInternalServerError, nil)
	for range 2 {
		h.AssertStatus(t, h.GET("/ui/tables/orders.recent/data", token), http.StatusBadGateway)
	}

	time.Sleep(700 * time.Millisecond)

	h.Backend().ResetOperation("listOrders")
	h.Backend().OnOperation("listOrders").
		RespondWith(http.StatusOK, OrderListFixture(OrderPageFixture(1, 2), 2))

	h.AssertStatus(t, h.GET("/ui/tables/orders.recent/data", token), http.StatusOK)
	h.AssertStatus(t, h.GET("/ui/tables/orders.recent/data", token), http.StatusOK)
	h.Backend().AssertCalled(t, "listOrders", 2)
}

// ==========================================================================
// Page cache
// ==========================================================================

func TestResilience_PageCache(t *testing.T) {
	for _, driver := range []string{config.CacheMemory, config.CacheRedis} {
		t.Run(driver, func(t *testing.T) {
			h := NewTestHarness(t, WithPageCache(driver))
			viewer := h.GenerateToken(ViewerClaims())

			h.Backend().OnOperation("listOrders").
				RespondWith(http.StatusOK, OrderListFixture(OrderPageFixture(1, 5), 5))

			h.AssertStatus(t, h.GET("/ui/tables/orders.recent/data", viewer), http.StatusOK)
			h.AssertStatus(t, h.GET("/ui/tables/orders.recent/data", viewer), http.StatusOK)
			h.Backend().AssertCalled(t, "listOrders", 1)

			// A different window is a different entry.
			h.AssertStatus(t, h.GET("/ui/tables/orders.recent/data?q=acme", viewer), http.StatusOK)
			h.Backend().AssertCalled(t, "listOrders", 2)

			// Backend rows are cached per subject.
			manager := h.GenerateToken(ManagerClaims())
			h.AssertStatus(t, h.GET("/ui/tables/orders.recent/data", manager), http.StatusOK)
			h.Backend().AssertCalled(t, "listOrders", 3)

			if driver == config.CacheRedis && len(h.Redis.Keys()) == 0 {
				t.Error("redis holds no cached pages")
			}
			if hits := counterTotal(t, h, "tabula_page_cache_lookups_total", "result", "hit"); hits != 1 {
				t.Errorf("cache hits = %v, want 1", hits)
			}
		})
	}
}

func TestResilience_SQLitePagesAreCached(t *testing.T) {
	h := NewTestHarness(t, WithPageCache(config.CacheMemory))
	token := h.GenerateToken(GuestClaims())

	for range 3 {
		h.AssertStatus(t, h.GET("/ui/tables/inventory.products/data?page=2", token), http.StatusOK)
	}
	if hits := counterTotal(t, h, "tabula_page_cache_lookups_total", "result", "hit"); hits != 2 {
		t.Errorf("cache hits = %v, want 2", hits)
	}
}

// counterTotal sums the series of the named counter in the harness registry
// whose labels include every name/value pair in match.
func counterTotal(t *testing.T, h *TestHarness, name string, match ...string) float64 {
	t.Helper()
	families, err := h.Gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			matched := true
			for i := 0; i+1 < len(match); i += 2 {
				matched = matched && labels[match[i]] == match[i+1]
			}
			if matched {
				total += m.GetCounter().GetValue()
			}
		}
	}
	return total
}
