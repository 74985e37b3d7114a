package metadata

import (
	"testing"
	"time"

	"github.com/pitabwire/tabula/internal/table"
	"github.com/pitabwire/tabula/model"
)

func TestColumns_accessor_and_format(t *testing.T) {
	def := testTableDefinitions()[0].Tables[0]
	cols := Columns(def)

	row := model.Row{
		"id":        "o-1",
		"customer":  map[string]any{"name": "Ada"},
		"status":    "open",
		"total":     12.5,
		"placed_at": "2026-03-04T10:11:12Z",
	}

	tests := []struct {
		col  int
		want string
	}{
		{0, "o-1"},
		{1, "Ada"},
		{3, "12.50"},
		{4, "2026-03-04 10:11:12"},
	}
	for _, tt := range tests {
		if got := cols[tt.col].Render(row); got != tt.want {
			t.Errorf("%s.Render() = %q, want %q", cols[tt.col].ID, got, tt.want)
		}
	}
}

func TestColumns_searchable(t *testing.T) {
	no := false
	def := model.TableDefinition{Columns: []model.ColumnDefinition{
		{ID: "name"},
		{ID: "secret", Searchable: &no},
	}}
	cols := Columns(def)
	if cols[0].ExcludeFromSearch {
		t.Error("unset searchable excluded the column")
	}
	if !cols[1].ExcludeFromSearch {
		t.Error("searchable: false did not exclude the column")
	}

	desc := Describe(ResolvedTable{Definition: def})
	if !desc.Columns[0].Searchable || desc.Columns[1].Searchable {
		t.Errorf("descriptor searchable = %v, %v", desc.Columns[0].Searchable, desc.Columns[1].Searchable)
	}
}

func TestColumns_filter_operators(t *testing.T) {
	def := testTableDefinitions()[0].Tables[0]
	rows := []model.Row{
		{"id": "a", "customer": map[string]any{"name": "Ada"}, "status": "open", "total": 10.0},
		{"id": "b", "customer": map[string]any{"name": "Grace"}, "status": "open", "total": 40.0},
		{"id": "c", "customer": map[string]any{"name": "Adele"}, "status": "shipped", "total": 70.0},
	}

	e := table.NewClientEngine(Columns(def), rows)
	defer e.Close()

	e.SetColumnFilter("customer", "ad")
	if got := e.Result().TotalRows; got != 2 {
		t.Errorf("contains filter rows = %d, want 2", got)
	}

	e.ClearAll()
	e.SetColumnFilter("total", "40")
	if got := e.Result().TotalRows; got != 2 {
		t.Errorf("gte filter rows = %d, want 2", got)
	}

	e.ClearAll()
	e.SetColumnFilter("status", "OPEN")
	if got := e.Result().TotalRows; got != 2 {
		t.Errorf("eq filter rows = %d, want 2", got)
	}
}

func TestFormatter_by_type(t *testing.T) {
	tests := []struct {
		name string
		col  model.ColumnDefinition
		in   any
		want string
	}{
		{"integer from float", model.ColumnDefinition{Type: model.ColumnInteger}, 41.6, "42"},
		{"boolean yes", model.ColumnDefinition{Type: model.ColumnBoolean}, true, "Yes"},
		{"boolean no", model.ColumnDefinition{Type: model.ColumnBoolean}, false, "No"},
		{"date from time", model.ColumnDefinition{Type: model.ColumnDate}, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), "2026-01-02"},
		{"date passthrough", model.ColumnDefinition{Type: model.ColumnDate}, "soon", "soon"},
		{"percent", model.ColumnDefinition{Type: model.ColumnNumber, Format: "percent"}, 0.125, "12.5%"},
		{"currency from string", model.ColumnDefinition{Format: "currency"}, "3", "3.00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := formatter(tt.col)
			if f == nil {
				t.Fatal("formatter() = nil")
			}
			if got := f(tt.in); got != tt.want {
				t.Errorf("format(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	if formatter(model.ColumnDefinition{Type: model.ColumnString}) != nil {
		t.Error("string columns should use the engine default formatter")
	}
}
