package integration

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/pitabwire/tabula/model"
)

func getData(t *testing.T, h *TestHarness, tableID string, params url.Values, token string) model.DataResponse {
	t.Helper()
	path := "/ui/tables/" + tableID + "/data"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp model.DataResponse
	h.AssertJSON(t, h.GET(path, token), http.StatusOK, &resp)
	return resp
}

// ==========================================================================
// SQLite-backed server table
// ==========================================================================

func TestTableData_SQLiteFirstPage(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ViewerClaims())

	resp := getData(t, h, "inventory.products", nil, token)

	if resp.TotalRows != 30 || resp.PageCount != 3 || len(resp.Rows) != 10 {
		t.Fatalf("total/pages/rows = %d/%d/%d, want 30/3/10", resp.TotalRows, resp.PageCount, len(resp.Rows))
	}
	if resp.Rows[0]["id"] != "P-001" {
		t.Errorf("first row = %v, want P-001 (default sort)", resp.Rows[0]["id"])
	}
	s := resp.Summary
	if s.StartRow != 1 || s.EndRow != 10 || !s.CanNextPage || s.CanPreviousPage {
		t.Errorf("summary = %+v", s)
	}
}

func TestTableData_SQLiteSortAndPage(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ViewerClaims())

	resp := getData(t, h, "inventory.products", url.Values{
		"page":     {"2"},
		"sort":     {"price"},
		"sort_dir": {"desc"},
	}, token)

	if len(resp.Rows) != 10 {
		t.Fatalf("rows = %d, want 10", len(resp.Rows))
	}
	if resp.Rows[0]["id"] != "P-020" || resp.Rows[9]["id"] != "P-011" {
		t.Errorf("page 2 = %v..%v, want P-020..P-011", resp.Rows[0]["id"], resp.Rows[9]["id"])
	}
	if resp.State.Pagination.PageIndex != 1 {
		t.Errorf("page index = %d, want 1", resp.State.Pagination.PageIndex)
	}
	if resp.Summary.StartRow != 11 || resp.Summary.EndRow != 20 {
		t.Errorf("summary rows = %d-%d, want 11-20", resp.Summary.StartRow, resp.Summary.EndRow)
	}
}

func TestTableData_SQLiteFilters(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ViewerClaims())

	t.Run("column filter", func(t *testing.T) {
		resp := getData(t, h, "inventory.products", url.Values{"filter[category]": {"tools"}}, token)
		if resp.TotalRows != 10 {
			t.Errorf("total = %d, want 10", resp.TotalRows)
		}
		for _, r := range resp.Rows {
			if r["category"] != "tools" {
				t.Errorf("row %v has category %v", r["id"], r["category"])
			}
		}
		if len(resp.ActiveFilters) != 1 {
			t.Errorf("active filters = %v, want one", resp.ActiveFilters)
		}
	})

	t.Run("global filter", func(t *testing.T) {
		resp := getData(t, h, "inventory.products", url.Values{"q": {"product 1"}}, token)
		if resp.TotalRows != 10 {
			t.Errorf("total = %d, want 10 (Product 10..19)", resp.TotalRows)
		}
	})

	t.Run("global filter skips unsearchable columns", func(t *testing.T) {
		// 4.5 is the price of P-003; price is not searchable.
		resp := getData(t, h, "inventory.products", url.Values{"q": {"4.5"}}, token)
		if resp.TotalRows != 0 {
			t.Errorf("total = %d, want 0", resp.TotalRows)
		}
	})

	t.Run("filters combine", func(t *testing.T) {
		resp := getData(t, h, "inventory.products", url.Values{
			"filter[category]": {"tools"},
			"q":                {"product 1"},
		}, token)
		// Tools are 1, 4, 7, ...; of 10..19 that is 10, 13, 16, 19.
		if resp.TotalRows != 4 {
			t.Errorf("total = %d, want 4", resp.TotalRows)
		}
	})
}

func TestTableData_InvalidState(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ViewerClaims())

	tests := []struct {
		name   string
		query  string
		status int
		code   string
	}{
		{"page zero", "page=0", http.StatusUnprocessableEntity, model.ErrValidationError},
		{"page not a number", "page=two", http.StatusUnprocessableEntity, model.ErrValidationError},
		{"bad sort direction", "sort=price&sort_dir=sideways", http.StatusUnprocessableEntity, model.ErrValidationError},
		{"page size not offered", "page_size=7", http.StatusBadRequest, model.ErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.GET("/ui/tables/inventory.products/data?"+tt.query, token)
			h.AssertError(t, resp, tt.status, tt.code)
		})
	}
}

// ==========================================================================
// Inline client table
// ==========================================================================

func TestTableData_ClientTablePagesInMemory(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(GuestClaims())

	resp := getData(t, h, "catalog.regions", url.Values{
		"page":         {"3"},
		"filter[zone]": {"south"},
	}, token)

	// South regions are R02..R12 step 2: six rows, pages of five.
	if resp.TotalRows != 6 || resp.PageCount != 2 {
		t.Fatalf("total/pages = %d/%d, want 6/2", resp.TotalRows, resp.PageCount)
	}
	// Page 3 does not exist; the window clamps to the last page.
	if resp.State.Pagination.PageIndex != 1 || len(resp.Rows) != 1 || resp.Rows[0]["code"] != "R12" {
		t.Errorf("page %d rows %v, want page 1 with R12", resp.State.Pagination.PageIndex, resp.Rows)
	}
}

// ==========================================================================
// HTTP-backed server table
// ==========================================================================

func TestTableData_HTTPBackendReceivesState(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ViewerClaims())

	h.Backend().OnOperation("listOrders").
		RespondWith(http.StatusOK, OrderListFixture(OrderPageFixture(26, 25), 60))

	resp := getData(t, h, "orders.recent", url.Values{
		"page":           {"2"},
		"sort":           {"customer"},
		"sort_dir":       {"asc"},
		"q":              {"acme"},
		"filter[status]": {"open"},
	}, token)

	if resp.TotalRows != 60 || resp.PageCount != 3 || len(resp.Rows) != 25 {
		t.Fatalf("total/pages/rows = %d/%d/%d, want 60/3/25", resp.TotalRows, resp.PageCount, len(resp.Rows))
	}
	if resp.Rows[0]["id"] != "ord-026" {
		t.Errorf("first row = %v, want ord-026", resp.Rows[0]["id"])
	}

	req := h.Backend().LastRequest("listOrders")
	if req == nil {
		t.Fatal("backend was not called")
	}
	want := map[string]string{
		"page":      "1",
		"page_size": "25",
		"sort":      "customer.name",
		"sort_dir":  "asc",
		"q":         "acme",
		"status":    "open",
	}
	for k, v := range want {
		if req.QueryParams[k] != v {
			t.Errorf("query %s = %q, want %q", k, req.QueryParams[k], v)
		}
	}
	if got := req.Headers.Get("Authorization"); got != "Bearer "+token {
		t.Errorf("Authorization was not forwarded: %q", got)
	}
	if got := req.Headers.Get("X-Tenant-Id"); got != "acme-corp" {
		t.Errorf("X-Tenant-Id = %q, want acme-corp", got)
	}
	if got := req.Headers.Get("X-Request-Subject"); got != "user-viewer" {
		t.Errorf("X-Request-Subject = %q, want user-viewer", got)
	}
}

func TestTableData_HTTPDefaultSort(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ManagerClaims())

	h.Backend().OnOperation("listOrders").
		RespondWith(http.StatusOK, OrderListFixture(OrderPageFixture(1, 3), 3))

	resp := getData(t, h, "orders.recent", nil, token)
	if resp.TotalRows != 3 || resp.PageCount != 1 {
		t.Errorf("total/pages = %d/%d, want 3/1", resp.TotalRows, resp.PageCount)
	}

	req := h.Backend().LastRequest("listOrders")
	if req.QueryParams["sort"] != "placed_at" || req.QueryParams["sort_dir"] != "desc" {
		t.Errorf("sort = %q %q, want placed_at desc", req.QueryParams["sort"], req.QueryParams["sort_dir"])
	}
	if req.QueryParams["page"] != "0" {
		t.Errorf("page = %q, want 0", req.QueryParams["page"])
	}
	if _, ok := req.QueryParams["q"]; ok {
		t.Error("empty global filter should not be sent")
	}
}
