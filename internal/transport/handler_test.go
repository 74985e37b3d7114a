package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/datasource"
	"github.com/pitabwire/tabula/internal/definition"
	"github.com/pitabwire/tabula/internal/metadata"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/internal/session"
	"github.com/pitabwire/tabula/model"
)

func orderColumns() []model.ColumnDefinition {
	return []model.ColumnDefinition{
		{ID: "id", Header: "Order", Type: model.ColumnString, Sortable: true},
		{ID: "customer", Header: "Customer", Type: model.ColumnString, Sortable: true},
		{ID: "status", Header: "Status", Type: model.ColumnEnum,
			Filter: &model.FilterDefinition{Operator: "eq", Options: []model.StaticOption{
				{Label: "Open", Value: "open"},
				{Label: "Closed", Value: "closed"},
			}}},
		{ID: "total", Header: "Total", Type: model.ColumnNumber, Sortable: true,
			Filter: &model.FilterDefinition{Operator: "gte"}},
	}
}

func orderRows(n int) []map[string]any {
	rows := make([]map[string]any, n)
	for i := range rows {
		status := "closed"
		if i%2 == 0 {
			status = "open"
		}
		rows[i] = map[string]any{
			"id":       fmt.Sprintf("O-%03d", i),
			"customer": fmt.Sprintf("Customer %d", i),
			"status":   status,
			"total":    float64(i * 5),
		}
	}
	return rows
}

func salesDomain() model.DomainDefinition {
	src := model.SourceDefinition{Datasource: "inline", Rows: orderRows(25)}
	return model.DomainDefinition{
		Domain:   "sales",
		Checksum: "sales-v1",
		Tables: []model.TableDefinition{
			{ID: "sales.orders", Title: "Orders", Mode: model.ModeClient, PageSize: 10,
				Columns: orderColumns(), Source: src},
			{ID: "sales.ledger", Title: "Ledger", Mode: model.ModeServer, PageSize: 10,
				Roles: []string{"finance"}, Columns: orderColumns(), Source: src},
		},
	}
}

// headerAuth turns X-Test-Subject and X-Test-Roles into verified claims.
func headerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub := r.Header.Get("X-Test-Subject")
		if sub == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims := map[string]any{"sub": sub}
		if roles := r.Header.Get("X-Test-Roles"); roles != "" {
			claims["roles"] = strings.Split(roles, ",")
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

type testServer struct {
	handler http.Handler
}

func newTestServer(t *testing.T, mutate func(*config.Config)) testServer {
	t.Helper()
	cfg := config.Defaults()
	cfg.Datasources = map[string]config.DatasourceConfig{
		"inline": {Driver: config.DriverStatic},
	}
	if mutate != nil {
		mutate(cfg)
	}

	registry := definition.NewRegistry([]model.DomainDefinition{salesDomain()})
	catalog := metadata.NewCatalog(registry, cfg.Tables)
	sources, err := datasource.NewManager(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("datasource.NewManager: %v", err)
	}
	t.Cleanup(sources.Close)
	sessions := session.NewManager(catalog, sources, cfg.Sessions)
	t.Cleanup(sessions.CloseAll)

	deps := Dependencies{
		Config:       cfg,
		Authenticate: headerAuth,
		Catalog:      catalog,
		Sessions:     sessions,
		Readiness: observability.ReadinessChecks{
			Tables:       func() int { return 1 },
			Dependencies: map[string]observability.HealthChecker{"datasources": sources},
		},
	}
	return testServer{handler: NewRouter(deps)}
}

type caller struct {
	subject string
	roles   string
}

var (
	anonymous = caller{}
	kim       = caller{subject: "kim", roles: "finance"}
	lee       = caller{subject: "lee"}
)

func (s testServer) do(t *testing.T, c caller, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if c.subject != "" {
		req.Header.Set("X-Test-Subject", c.subject)
		req.Header.Set("X-Test-Roles", c.roles)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[errorResponse](t, w).Error.Code
}

func TestHandleListTables_filtersByRole(t *testing.T) {
	srv := newTestServer(t, nil)

	w := srv.do(t, anonymous, "GET", "/ui/tables", nil)
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decode[struct {
		Tables []model.TableSummary `json:"tables"`
	}](t, w)
	if len(body.Tables) != 1 || body.Tables[0].ID != "sales.orders" {
		t.Errorf("anonymous tables = %+v, want only sales.orders", body.Tables)
	}

	w = srv.do(t, kim, "GET", "/ui/tables", nil)
	body = decode[struct {
		Tables []model.TableSummary `json:"tables"`
	}](t, w)
	if len(body.Tables) != 2 {
		t.Errorf("finance tables = %d, want 2", len(body.Tables))
	}
}

func TestHandleGetTable(t *testing.T) {
	srv := newTestServer(t, nil)

	w := srv.do(t, anonymous, "GET", "/ui/tables/sales.orders", nil)
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	desc := decode[model.TableDescriptor](t, w)
	if desc.PageSize != 10 || len(desc.Columns) != 4 {
		t.Errorf("descriptor = page_size %d, %d columns", desc.PageSize, len(desc.Columns))
	}
	if len(desc.Filters) != 2 {
		t.Errorf("filters = %d, want 2", len(desc.Filters))
	}

	w = srv.do(t, anonymous, "GET", "/ui/tables/sales.missing", nil)
	if w.Code != 404 {
		t.Errorf("missing table status = %d, want 404", w.Code)
	}
	w = srv.do(t, anonymous, "GET", "/ui/tables/sales.ledger", nil)
	if w.Code != 403 {
		t.Errorf("ledger status = %d, want 403", w.Code)
	}
}

func TestHandleTableData(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name      string
		path      string
		caller    caller
		wantRows  int
		wantTotal int
		wantPages int
		wantFirst string
	}{
		{"default window", "/ui/tables/sales.orders/data", anonymous, 10, 25, 3, "O-000"},
		{"sorted second page", "/ui/tables/sales.orders/data?page=2&sort=total&sort_dir=desc", anonymous, 10, 25, 3, "O-014"},
		{"last partial page", "/ui/tables/sales.orders/data?page=3", anonymous, 5, 25, 3, "O-020"},
		{"column filter", "/ui/tables/sales.orders/data?filter[status]=OPEN&page_size=20", anonymous, 13, 13, 1, "O-000"},
		{"global filter", "/ui/tables/sales.orders/data?q=customer+1&page_size=20", anonymous, 11, 11, 1, "O-001"},
		{"combined filters", "/ui/tables/sales.orders/data?filter[status]=closed&filter[total]=100", anonymous, 2, 2, 1, "O-021"},
		{"server table", "/ui/tables/sales.ledger/data?page=2", kim, 10, 25, 3, "O-010"},
		{"server table sorted", "/ui/tables/sales.ledger/data?sort=id&sort_dir=desc", kim, 10, 25, 3, "O-024"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := srv.do(t, tc.caller, "GET", tc.path, nil)
			if w.Code != 200 {
				t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
			}
			resp := decode[model.DataResponse](t, w)
			if len(resp.Rows) != tc.wantRows {
				t.Errorf("rows = %d, want %d", len(resp.Rows), tc.wantRows)
			}
			if resp.TotalRows != tc.wantTotal {
				t.Errorf("total = %d, want %d", resp.TotalRows, tc.wantTotal)
			}
			if resp.PageCount != tc.wantPages {
				t.Errorf("page count = %d, want %d", resp.PageCount, tc.wantPages)
			}
			if len(resp.Rows) > 0 && resp.Rows[0]["id"] != tc.wantFirst {
				t.Errorf("first row = %v, want %s", resp.Rows[0]["id"], tc.wantFirst)
			}
		})
	}
}

func TestHandleTableData_activeFilters(t *testing.T) {
	srv := newTestServer(t, nil)

	w := srv.do(t, anonymous, "GET", "/ui/tables/sales.orders/data?filter[status]=open&filter[total]=50", nil)
	resp := decode[model.DataResponse](t, w)
	if len(resp.ActiveFilters) != 2 {
		t.Fatalf("active filters = %+v, want 2", resp.ActiveFilters)
	}
	if resp.ActiveFilters[0].ID != "status" || resp.ActiveFilters[1].ID != "total" {
		t.Errorf("active filter order = %+v", resp.ActiveFilters)
	}
}

func TestHandleTableData_invalidQuery(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		query    string
		wantCode int
	}{
		{"page=0", 422},
		{"page=abc", 422},
		{"page_size=-1", 422},
		{"page_size=1000", 422},
		{"sort=total&sort_dir=sideways", 422},
		{"page_size=7", 400},
	}
	for _, tc := range tests {
		t.Run(tc.query, func(t *testing.T) {
			w := srv.do(t, anonymous, "GET", "/ui/tables/sales.orders/data?"+tc.query, nil)
			if w.Code != tc.wantCode {
				t.Errorf("status = %d, want %d: %s", w.Code, tc.wantCode, w.Body.String())
			}
		})
	}
}

func TestSessionLifecycle_clientTable(t *testing.T) {
	srv := newTestServer(t, nil)

	w := srv.do(t, lee, "POST", "/ui/tables/sales.orders/sessions", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201: %s", w.Code, w.Body.String())
	}
	view := decode[model.SessionView](t, w)
	if got := w.Header().Get("Location"); got != "/ui/sessions/"+view.ID {
		t.Errorf("Location = %q", got)
	}
	if view.Status != "ready" || len(view.Rows) != 10 || view.TotalRows != 25 {
		t.Fatalf("view = status %s, %d rows, total %d", view.Status, len(view.Rows), view.TotalRows)
	}
	base := "/ui/sessions/" + view.ID

	act := func(action model.SessionAction) model.SessionView {
		t.Helper()
		w := srv.do(t, lee, "POST", base+"/actions", action)
		if w.Code != 200 {
			t.Fatalf("%s status = %d: %s", action.Type, w.Code, w.Body.String())
		}
		return decode[model.SessionView](t, w)
	}

	view = act(model.SessionAction{Type: "next_page"})
	if view.State.Pagination.PageIndex != 1 || view.Rows[0]["id"] != "O-010" {
		t.Errorf("after next_page: index %d, first %v", view.State.Pagination.PageIndex, view.Rows[0]["id"])
	}

	view = act(model.SessionAction{Type: "toggle_sort", ColumnID: "total"})
	if view.State.Sort == nil || view.State.Sort.Direction != model.SortAsc {
		t.Errorf("sort = %+v, want total asc", view.State.Sort)
	}

	view = act(model.SessionAction{Type: "set_filter", ColumnID: "status", Value: "closed"})
	if view.TotalRows != 12 || view.State.Pagination.PageIndex != 0 {
		t.Errorf("after filter: total %d, index %d", view.TotalRows, view.State.Pagination.PageIndex)
	}
	if len(view.ActiveFilters) != 1 || view.ActiveFilters[0].Label != "Status" {
		t.Errorf("active filters = %+v", view.ActiveFilters)
	}

	view = act(model.SessionAction{Type: "clear_filters"})
	if view.TotalRows != 25 || len(view.ActiveFilters) != 0 {
		t.Errorf("after clear: total %d, filters %d", view.TotalRows, len(view.ActiveFilters))
	}

	w = srv.do(t, lee, "GET", base, nil)
	if w.Code != 200 {
		t.Errorf("get status = %d, want 200", w.Code)
	}

	w = srv.do(t, lee, "DELETE", base, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", w.Code)
	}
	w = srv.do(t, lee, "GET", base, nil)
	if w.Code != 404 || errorCode(t, w) != model.ErrSessionNotFound {
		t.Errorf("get after delete status = %d", w.Code)
	}
}

func TestSessionActions_errors(t *testing.T) {
	srv := newTestServer(t, nil)

	w := srv.do(t, lee, "POST", "/ui/tables/sales.orders/sessions", nil)
	id := decode[model.SessionView](t, w).ID
	path := "/ui/sessions/" + id + "/actions"

	tests := []struct {
		name     string
		caller   caller
		body     any
		wantCode int
		wantErr  string
	}{
		{"unknown action", lee, model.SessionAction{Type: "explode"}, 400, model.ErrUnknownAction},
		{"malformed body", lee, "{not json", 400, model.ErrBadRequest},
		{"missing type", lee, map[string]any{}, 422, model.ErrValidationError},
		{"page size not offered", lee, model.SessionAction{Type: "set_page_size", PageSize: 7}, 400, model.ErrBadRequest},
		{"other subject", kim, model.SessionAction{Type: "next_page"}, 404, model.ErrSessionNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := srv.do(t, tc.caller, "POST", path, tc.body)
			if w.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d: %s", w.Code, tc.wantCode, w.Body.String())
			}
			if got := errorCode(t, w); got != tc.wantErr {
				t.Errorf("code = %s, want %s", got, tc.wantErr)
			}
		})
	}
}

func TestSessionLifecycle_serverTable(t *testing.T) {
	srv := newTestServer(t, nil)

	w := srv.do(t, kim, "POST", "/ui/tables/sales.ledger/sessions", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	view := decode[model.SessionView](t, w)
	if view.Mode != model.ModeServer || len(view.Rows) != 10 || view.TotalRows != 25 {
		t.Fatalf("view = mode %s, %d rows, total %d", view.Mode, len(view.Rows), view.TotalRows)
	}
	base := "/ui/sessions/" + view.ID

	w = srv.do(t, kim, "POST", base+"/actions", model.SessionAction{Type: "last_page"})
	if w.Code != 200 {
		t.Fatalf("last_page status = %d", w.Code)
	}

	// Page changes fetch in the background; poll until the window lands.
	deadline := time.Now().Add(2 * time.Second)
	for {
		view = decode[model.SessionView](t, srv.do(t, kim, "GET", base, nil))
		if view.Status == "ready" && view.State.Pagination.PageIndex == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("window not loaded: status %s, index %d", view.Status, view.State.Pagination.PageIndex)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(view.Rows) != 5 || view.Rows[0]["id"] != "O-020" {
		t.Errorf("last page = %d rows, first %v", len(view.Rows), view.Rows[0]["id"])
	}
}

func TestSessionCreate_errors(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Sessions.MaxPerSubject = 1
	})

	if w := srv.do(t, lee, "POST", "/ui/tables/sales.ledger/sessions", nil); w.Code != 403 {
		t.Errorf("forbidden table status = %d, want 403", w.Code)
	}
	if w := srv.do(t, lee, "POST", "/ui/tables/sales.nothing/sessions", nil); w.Code != 404 {
		t.Errorf("missing table status = %d, want 404", w.Code)
	}
	if w := srv.do(t, lee, "POST", "/ui/tables/sales.orders/sessions", nil); w.Code != 201 {
		t.Fatalf("first session status = %d, want 201", w.Code)
	}
	w := srv.do(t, lee, "POST", "/ui/tables/sales.orders/sessions", nil)
	if w.Code != http.StatusTooManyRequests || errorCode(t, w) != model.ErrSessionLimit {
		t.Errorf("second session status = %d, want 429", w.Code)
	}
}

func TestReadiness_withDatasources(t *testing.T) {
	srv := newTestServer(t, nil)
	w := srv.do(t, anonymous, "GET", "/ui/ready", nil)
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	resp := decode[observability.ReadinessResponse](t, w)
	if resp.Checks["datasources"].Status != "ok" {
		t.Errorf("datasources check = %+v", resp.Checks["datasources"])
	}
}
