// Package table implements the table-state engine: pagination, sorting
// and filtering over a shared TableState, computed in memory (client
// mode) or forwarded to a host that fetches rows itself (server mode).
package table

import (
	"fmt"
	"strconv"
	"time"
)

// ColumnDef describes one column of rows of type T. It is configuration
// supplied by the host and never mutated by an engine.
type ColumnDef[T any] struct {
	ID     string
	Header string

	// Accessor extracts the cell value from a row.
	Accessor func(row T) any

	Sortable bool

	// ExcludeFromSearch keeps the column out of the global query.
	ExcludeFromSearch bool

	// FilterFn decides whether a cell passes the column's filter value.
	// Nil selects IncludesString for string cells and Equals otherwise.
	FilterFn FilterFn

	// Format renders a cell for display and for global search. Nil uses
	// FormatValue.
	Format func(v any) string

	// Compare orders two cell values. Nil uses CompareValues.
	Compare func(a, b any) int
}

// Value returns the raw cell value for row.
func (c ColumnDef[T]) Value(row T) any {
	if c.Accessor == nil {
		return nil
	}
	return c.Accessor(row)
}

// Render returns the display text of the cell for row.
func (c ColumnDef[T]) Render(row T) string {
	v := c.Value(row)
	if c.Format != nil {
		return c.Format(v)
	}
	return FormatValue(v)
}

func (c ColumnDef[T]) compare(a, b any) int {
	if c.Compare != nil {
		return c.Compare(a, b)
	}
	return CompareValues(a, b)
}

func (c ColumnDef[T]) matches(cell, filter any) bool {
	if c.FilterFn != nil {
		return c.FilterFn(cell, filter)
	}
	if _, ok := cell.(string); ok {
		return IncludesString(cell, filter)
	}
	return Equals(cell, filter)
}

// FieldAccessor returns an accessor reading key from map rows.
func FieldAccessor(key string) func(row map[string]any) any {
	return func(row map[string]any) any { return row[key] }
}

// FormatValue renders a cell value as text.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case time.Time:
		return x.Format(time.RFC3339)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

type columnSet[T any] struct {
	defs  []ColumnDef[T]
	index map[string]int
}

func newColumnSet[T any](defs []ColumnDef[T]) columnSet[T] {
	cs := columnSet[T]{
		defs:  make([]ColumnDef[T], 0, len(defs)),
		index: make(map[string]int, len(defs)),
	}
	for _, d := range defs {
		if d.ID == "" {
			continue
		}
		if _, dup := cs.index[d.ID]; dup {
			continue
		}
		cs.index[d.ID] = len(cs.defs)
		cs.defs = append(cs.defs, d)
	}
	return cs
}

func (cs columnSet[T]) get(id string) (ColumnDef[T], bool) {
	i, ok := cs.index[id]
	if !ok {
		return ColumnDef[T]{}, false
	}
	return cs.defs[i], true
}

func (cs columnSet[T]) header(id string) string {
	if d, ok := cs.get(id); ok && d.Header != "" {
		return d.Header
	}
	return id
}
