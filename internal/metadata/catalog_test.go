package metadata

import (
	"testing"
	"time"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/definition"
	"github.com/pitabwire/tabula/model"
)

func testTableDefinitions() []model.DomainDefinition {
	return []model.DomainDefinition{
		{
			Domain:  "orders",
			Version: "1.4.0",
			Tables: []model.TableDefinition{
				{
					ID:       "orders.recent",
					Title:    "Recent Orders",
					Mode:     model.ModeServer,
					Roles:    []string{"sales", "admin"},
					PageSize: 25,
					Debounce: 150 * time.Millisecond,
					DefaultSort: &model.SortDefinition{
						Column:    "placed_at",
						Direction: "desc",
					},
					Columns: []model.ColumnDefinition{
						{ID: "id", Header: "Order", Type: model.ColumnString, Width: "120px"},
						{ID: "customer", Field: "customer.name", Sortable: true,
							Filter: &model.FilterDefinition{Operator: "contains", Placeholder: "Customer"}},
						{ID: "status", Header: "Status", Type: model.ColumnEnum,
							Filter: &model.FilterDefinition{Operator: "eq", Options: []model.StaticOption{
								{Label: "Open", Value: "open"},
								{Label: "Shipped", Value: "shipped"},
							}}},
						{ID: "total", Header: "Total", Type: model.ColumnNumber, Format: "currency", Sortable: true,
							Filter: &model.FilterDefinition{Operator: "gte"}},
						{ID: "placed_at", Header: "Placed", Type: model.ColumnDateTime, Sortable: true},
					},
					Source: model.SourceDefinition{Datasource: "orders"},
				},
			},
		},
		{
			Domain: "inventory",
			Tables: []model.TableDefinition{
				{
					ID:      "inventory.stock",
					Title:   "Stock",
					Mode:    model.ModeClient,
					Columns: []model.ColumnDefinition{{ID: "sku", Header: "SKU", Sortable: true}},
				},
			},
		},
	}
}

func newTestCatalog() *Catalog {
	return NewCatalog(definition.NewRegistry(testTableDefinitions()), config.TablesConfig{
		Debounce:        300 * time.Millisecond,
		PageSize:        10,
		PageSizeOptions: []int{10, 20, 50},
		MaxPageSize:     200,
	})
}

func TestCatalog_ListTables_filters_by_role(t *testing.T) {
	c := newTestCatalog()

	anon := c.ListTables(nil)
	if len(anon) != 1 || anon[0].ID != "inventory.stock" {
		t.Errorf("ListTables(nil) = %+v, want only inventory.stock", anon)
	}

	sales := c.ListTables(&model.RequestContext{SubjectID: "u1", Roles: []string{"sales"}})
	if len(sales) != 2 {
		t.Fatalf("ListTables(sales) = %d tables, want 2", len(sales))
	}
	if sales[0].Domain != "inventory" || sales[1].Domain != "orders" {
		t.Errorf("ListTables order = %+v, want inventory then orders", sales)
	}
}

func TestCatalog_Resolve_notFound(t *testing.T) {
	c := newTestCatalog()

	_, err := c.Resolve(nil, "nonexistent")
	envErr, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("error type = %T, want *model.ErrorEnvelope", err)
	}
	if envErr.Code != model.ErrNotFound {
		t.Errorf("error code = %s, want %s", envErr.Code, model.ErrNotFound)
	}
}

func TestCatalog_Resolve_forbidden(t *testing.T) {
	c := newTestCatalog()

	_, err := c.Resolve(&model.RequestContext{SubjectID: "u1", Roles: []string{"viewer"}}, "orders.recent")
	envErr, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("error type = %T, want *model.ErrorEnvelope", err)
	}
	if envErr.Code != model.ErrForbidden {
		t.Errorf("error code = %s, want %s", envErr.Code, model.ErrForbidden)
	}
}

func TestCatalog_Resolve_applies_defaults(t *testing.T) {
	c := newTestCatalog()
	admin := &model.RequestContext{SubjectID: "u1", Roles: []string{"admin"}}

	r, err := c.Resolve(admin, "orders.recent")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if r.PageSize != 25 {
		t.Errorf("PageSize = %d, want 25", r.PageSize)
	}
	want := []int{10, 20, 25, 50}
	if len(r.PageSizeOptions) != len(want) {
		t.Fatalf("PageSizeOptions = %v, want %v", r.PageSizeOptions, want)
	}
	for i := range want {
		if r.PageSizeOptions[i] != want[i] {
			t.Errorf("PageSizeOptions = %v, want %v", r.PageSizeOptions, want)
			break
		}
	}
	if r.Debounce != 150*time.Millisecond {
		t.Errorf("Debounce = %v, want 150ms", r.Debounce)
	}
	if r.InitialSort == nil || r.InitialSort.ColumnID != "placed_at" || r.InitialSort.Direction != model.SortDesc {
		t.Errorf("InitialSort = %+v, want placed_at desc", r.InitialSort)
	}
	if len(r.Columns) != 5 {
		t.Errorf("Columns = %d, want 5", len(r.Columns))
	}

	stock, err := c.Resolve(nil, "inventory.stock")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if stock.PageSize != 10 || stock.Debounce != 300*time.Millisecond {
		t.Errorf("stock defaults = %d/%v, want 10/300ms", stock.PageSize, stock.Debounce)
	}
}

func TestCatalog_GetTable_descriptor(t *testing.T) {
	c := newTestCatalog()

	desc, err := c.GetTable(&model.RequestContext{SubjectID: "u1", Roles: []string{"sales"}}, "orders.recent")
	if err != nil {
		t.Fatalf("GetTable error: %v", err)
	}
	if desc.DataEndpoint != "/ui/tables/orders.recent/data" {
		t.Errorf("DataEndpoint = %q", desc.DataEndpoint)
	}
	if desc.SessionsEndpoint != "/ui/tables/orders.recent/sessions" {
		t.Errorf("SessionsEndpoint = %q", desc.SessionsEndpoint)
	}
	if desc.DebounceMS != 150 {
		t.Errorf("DebounceMS = %d, want 150", desc.DebounceMS)
	}
	if desc.DomainVersion != "1.4.0" {
		t.Errorf("DomainVersion = %q", desc.DomainVersion)
	}

	customer := desc.Columns[1]
	if customer.Header != "customer" || customer.Type != model.ColumnString {
		t.Errorf("customer column = %+v, want header and type defaults", customer)
	}

	if len(desc.Filters) != 3 {
		t.Fatalf("Filters = %d, want 3", len(desc.Filters))
	}
	types := map[string]string{}
	for _, f := range desc.Filters {
		types[f.ColumnID] = f.Type
	}
	if types["customer"] != "text" || types["status"] != "select" || types["total"] != "number" {
		t.Errorf("filter types = %v", types)
	}
	if len(desc.Filters[1].Options) != 2 {
		t.Errorf("status options = %d, want 2", len(desc.Filters[1].Options))
	}
}
