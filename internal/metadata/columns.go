package metadata

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/pitabwire/tabula/internal/table"
	"github.com/pitabwire/tabula/model"
)

// Columns builds engine column definitions for definition-driven rows.
// Cells are read from the column's field path, formatted by the column's
// type and format, and filtered with the declared operator.
func Columns(def model.TableDefinition) []table.ColumnDef[model.Row] {
	cols := make([]table.ColumnDef[model.Row], 0, len(def.Columns))
	for _, c := range def.Columns {
		col := table.ColumnDef[model.Row]{
			ID:                c.ID,
			Header:            c.Header,
			Accessor:          accessor(c),
			Sortable:          c.Sortable,
			ExcludeFromSearch: !c.IsSearchable(),
			Format:            formatter(c),
		}
		if c.Filter != nil {
			if fn, ok := table.LookupFilter(c.Filter.Operator); ok {
				col.FilterFn = fn
			}
		}
		cols = append(cols, col)
	}
	return cols
}

func accessor(c model.ColumnDefinition) func(model.Row) any {
	path := c.FieldPath()
	return func(row model.Row) any {
		v, _ := model.Lookup(row, path)
		return v
	}
}

func formatter(c model.ColumnDefinition) func(any) string {
	switch c.Format {
	case "currency":
		return func(v any) string { return formatFixed(v, 2) }
	case "percent":
		return func(v any) string {
			f, ok := asFloat(v)
			if !ok {
				return table.FormatValue(v)
			}
			return strconv.FormatFloat(f*100, 'f', 1, 64) + "%"
		}
	}

	switch c.Type {
	case model.ColumnInteger:
		return func(v any) string {
			f, ok := asFloat(v)
			if !ok {
				return table.FormatValue(v)
			}
			return strconv.FormatInt(int64(math.Round(f)), 10)
		}
	case model.ColumnBoolean:
		return func(v any) string {
			b, ok := v.(bool)
			if !ok {
				return table.FormatValue(v)
			}
			if b {
				return "Yes"
			}
			return "No"
		}
	case model.ColumnDate:
		return func(v any) string { return formatTime(v, time.DateOnly) }
	case model.ColumnDateTime:
		layout := time.DateTime
		if c.Format != "" {
			layout = c.Format
		}
		return func(v any) string { return formatTime(v, layout) }
	}
	return nil
}

func formatFixed(v any, digits int) string {
	f, ok := asFloat(v)
	if !ok {
		return table.FormatValue(v)
	}
	return strconv.FormatFloat(f, 'f', digits, 64)
}

func formatTime(v any, layout string) string {
	switch x := v.(type) {
	case time.Time:
		return x.Format(layout)
	case string:
		for _, in := range []string{time.RFC3339Nano, time.DateTime, time.DateOnly} {
			if t, err := time.Parse(in, x); err == nil {
				return t.Format(layout)
			}
		}
		return x
	}
	return table.FormatValue(v)
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	case fmt.Stringer:
		f, err := strconv.ParseFloat(x.String(), 64)
		return f, err == nil
	}
	return 0, false
}
