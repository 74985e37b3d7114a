package datasource

import (
	"context"
	"database/sql"
	"testing"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/model"
)

func openProductsDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenSQLite(config.DatasourceConfig{Driver: config.DriverSQLite, MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	stmts := []string{
		`CREATE TABLE products (sku TEXT PRIMARY KEY, name TEXT, price REAL, stock INTEGER)`,
		`INSERT INTO products VALUES
			('A-100', 'Anvil', 120.5, 4),
			('B-200', 'Bellows', 35, 0),
			('C-300', 'Chisel', 12.25, 31),
			('D-400', 'Drill', 89.99, 7),
			('E-500', 'Emery board', 2.5, 120)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("seeding: %v", err)
		}
	}
	return db
}

func productsSource(t *testing.T) *SQLSource {
	t.Helper()
	def := productDefinition()
	def.Source.Table = "products"
	src, err := NewSQLiteSource(openProductsDB(t), def)
	if err != nil {
		t.Fatalf("NewSQLiteSource: %v", err)
	}
	return src
}

func TestSQLSource_pageWithTotal(t *testing.T) {
	src := productsSource(t)

	page, err := src.Fetch(context.Background(), model.Query{
		Offset: 2,
		Limit:  2,
		Sort:   &model.SortDescriptor{ColumnID: "price", Direction: model.SortAsc},
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if page.Total != 5 {
		t.Errorf("Total = %d, want 5", page.Total)
	}
	if len(page.Rows) != 2 || page.Rows[0]["sku"] != "B-200" || page.Rows[1]["sku"] != "D-400" {
		t.Errorf("rows = %v", page.Rows)
	}
	if _, ok := page.Rows[0]["stock"].(int64); !ok {
		t.Errorf("stock = %T, want int64", page.Rows[0]["stock"])
	}
}

func TestSQLSource_filters(t *testing.T) {
	src := productsSource(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		query model.Query
		want  []string
	}{
		{
			name:  "contains is case-insensitive",
			query: model.Query{Filters: []model.QueryFilter{{ColumnID: "name", Operator: "contains", Value: "BOARD"}}},
			want:  []string{"E-500"},
		},
		{
			name: "filters are ANDed",
			query: model.Query{Filters: []model.QueryFilter{
				{ColumnID: "price", Operator: "gte", Value: 10.0},
				{ColumnID: "stock", Operator: "gt", Value: "5"},
			}},
			want: []string{"C-300", "D-400"},
		},
		{
			name:  "global filter matches any column",
			query: model.Query{GlobalFilter: "12"},
			want:  []string{"A-100", "C-300", "E-500"},
		},
		{
			name:  "in",
			query: model.Query{Filters: []model.QueryFilter{{ColumnID: "sku", Operator: "in", Value: []any{"A-100", "D-400"}}}},
			want:  []string{"A-100", "D-400"},
		},
		{
			name:  "literal percent is escaped",
			query: model.Query{GlobalFilter: "%"},
			want:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.query.Sort = &model.SortDescriptor{ColumnID: "sku", Direction: model.SortAsc}
			page, err := src.Fetch(ctx, tt.query)
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			if page.Total != len(tt.want) || len(page.Rows) != len(tt.want) {
				t.Fatalf("got %d rows (total %d), want %v", len(page.Rows), page.Total, tt.want)
			}
			for i, sku := range tt.want {
				if page.Rows[i]["sku"] != sku {
					t.Errorf("rows[%d] = %v, want %s", i, page.Rows[i]["sku"], sku)
				}
			}
		})
	}
}

func TestSQLSource_invalidFilterIsBadRequest(t *testing.T) {
	src := productsSource(t)

	_, err := src.Fetch(context.Background(), model.Query{
		Filters: []model.QueryFilter{{ColumnID: "price", Operator: "gt", Value: "cheap"}},
	})
	env, ok := err.(*model.ErrorEnvelope)
	if !ok || env.Code != model.ErrBadRequest {
		t.Errorf("err = %v, want BAD_REQUEST", err)
	}
}

func TestNormalizeSQLValue(t *testing.T) {
	id := [16]byte{0x12, 0x34}
	tests := []struct {
		in   any
		want any
	}{
		{[]byte("abc"), "abc"},
		{int32(7), int64(7)},
		{int16(7), int64(7)},
		{float32(1.5), float64(1.5)},
		{id, "12340000-0000-0000-0000-000000000000"},
		{"x", "x"},
		{nil, nil},
	}
	for _, tt := range tests {
		if got := normalizeSQLValue(tt.in); got != tt.want {
			t.Errorf("normalizeSQLValue(%#v) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}
