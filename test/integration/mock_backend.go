package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

// MockBackend stands in for a service behind an HTTP datasource. Each
// operation plays a script of canned replies and records what it was
// asked for.
type MockBackend struct {
	service string
	server  *httptest.Server

	mu      sync.Mutex
	scripts map[string]*script
	calls   map[string][]*RecordedRequest
}

// RecordedRequest is one call the backend received.
type RecordedRequest struct {
	Method      string
	Path        string
	QueryParams map[string]string
	Headers     http.Header
	ReceivedAt  time.Time
}

// script replays replies in order and then keeps repeating the last one.
type script struct {
	replies []reply
	next    int
}

type reply struct {
	status int
	body   any
	delay  time.Duration
}

func (s *script) take() (reply, bool) {
	if len(s.replies) == 0 {
		return reply{}, false
	}
	r := s.replies[min(s.next, len(s.replies)-1)]
	if s.next < len(s.replies) {
		s.next++
	}
	return r, true
}

// OperationMock scripts one operation.
type OperationMock struct {
	backend   *MockBackend
	operation string
}

type operationRoute struct {
	method  string
	pattern string
}

func newMockBackend(t *testing.T, service string, routes map[string]operationRoute) *MockBackend {
	t.Helper()
	mb := &MockBackend{
		service: service,
		scripts: make(map[string]*script),
		calls:   make(map[string][]*RecordedRequest),
	}

	r := chi.NewRouter()
	for op, route := range routes {
		r.MethodFunc(route.method, route.pattern, mb.serve(op))
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusNotFound, map[string]string{
			"error": "mock " + service + ": no operation for " + r.Method + " " + r.URL.Path,
		})
	})

	mb.server = httptest.NewServer(r)
	t.Cleanup(mb.server.Close)
	return mb
}

// URL is the backend's base URL.
func (mb *MockBackend) URL() string { return mb.server.URL }

// OnOperation scripts the replies of operation.
func (mb *MockBackend) OnOperation(operation string) *OperationMock {
	return &OperationMock{backend: mb, operation: operation}
}

// RespondWith appends a reply to the script.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	return om.RespondWithDelay(0, status, body)
}

// RespondWithDelay appends a reply that is held back for delay, or until
// the caller gives up.
func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	mb := om.backend
	mb.mu.Lock()
	defer mb.mu.Unlock()
	s := mb.scripts[om.operation]
	if s == nil {
		s = &script{}
		mb.scripts[om.operation] = s
	}
	s.replies = append(s.replies, reply{status: status, body: body, delay: delay})
	return om
}

func (mb *MockBackend) serve(operation string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := make(map[string]string)
		for k, v := range r.URL.Query() {
			query[k] = v[0]
		}

		mb.mu.Lock()
		mb.calls[operation] = append(mb.calls[operation], &RecordedRequest{
			Method:      r.Method,
			Path:        r.URL.Path,
			QueryParams: query,
			Headers:     r.Header.Clone(),
			ReceivedAt:  time.Now(),
		})
		var (
			rep      reply
			scripted bool
		)
		if s := mb.scripts[operation]; s != nil {
			rep, scripted = s.take()
		}
		mb.mu.Unlock()

		if !scripted {
			writeBody(w, http.StatusOK, OrderListFixture(nil, 0))
			return
		}
		if rep.delay > 0 {
			t := time.NewTimer(rep.delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-r.Context().Done():
				return
			}
		}
		writeBody(w, rep.status, rep.body)
	}
}

func writeBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// CallCount reports how often operation was called.
func (mb *MockBackend) CallCount(operation string) int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.calls[operation])
}

// AssertCalled fails t unless operation was called want times.
func (mb *MockBackend) AssertCalled(t *testing.T, operation string, want int) {
	t.Helper()
	if got := mb.CallCount(operation); got != want {
		t.Errorf("%s.%s called %d times, want %d", mb.service, operation, got, want)
	}
}

// LastRequest returns the latest call of operation, or nil.
func (mb *MockBackend) LastRequest(operation string) *RecordedRequest {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if calls := mb.calls[operation]; len(calls) > 0 {
		return calls[len(calls)-1]
	}
	return nil
}

// ResetOperation forgets the script and the calls of operation.
func (mb *MockBackend) ResetOperation(operation string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.scripts, operation)
	delete(mb.calls, operation)
}

// ordersRoutes mirrors testdata/specs/orders-svc.yaml.
func ordersRoutes() map[string]operationRoute {
	return map[string]operationRoute{
		"listOrders": {method: http.MethodGet, pattern: "/orders"},
		"getOrder":   {method: http.MethodGet, pattern: "/orders/{orderId}"},
	}
}
