package table

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pitabwire/tabula/model"
)

// FilterFn reports whether a cell value passes a column filter value.
type FilterFn func(cell, filter any) bool

// Range is the filter value for InRange. A nil bound is open.
type Range struct {
	Min any `json:"min,omitempty"`
	Max any `json:"max,omitempty"`
}

// Equals matches cells equal to the filter value. A string filter is
// coerced to the cell's kind (number, bool) before comparing; text
// compares case-insensitively.
func Equals(cell, filter any) bool {
	return compareFilter(cell, filter) == 0
}

// NotEquals is the negation of Equals.
func NotEquals(cell, filter any) bool {
	return !Equals(cell, filter)
}

// IncludesString matches cells whose text contains the filter text,
// ignoring case. An empty filter matches everything.
func IncludesString(cell, filter any) bool {
	needle := strings.ToLower(FormatValue(filter))
	return strings.Contains(strings.ToLower(FormatValue(cell)), needle)
}

// StartsWith matches cells whose text begins with the filter text,
// ignoring case.
func StartsWith(cell, filter any) bool {
	prefix := strings.ToLower(FormatValue(filter))
	return strings.HasPrefix(strings.ToLower(FormatValue(cell)), prefix)
}

func GreaterThan(cell, filter any) bool {
	return cell != nil && compareFilter(cell, filter) > 0
}

func GreaterOrEqual(cell, filter any) bool {
	return cell != nil && compareFilter(cell, filter) >= 0
}

func LessThan(cell, filter any) bool {
	return cell != nil && compareFilter(cell, filter) < 0
}

func LessOrEqual(cell, filter any) bool {
	return cell != nil && compareFilter(cell, filter) <= 0
}

// InRange matches cells inside the closed interval given by a Range, a
// two-element slice, or a map with "min"/"max" keys.
func InRange(cell, filter any) bool {
	r, ok := asRange(filter)
	if !ok || cell == nil {
		return false
	}
	if r.Min != nil && compareFilter(cell, r.Min) < 0 {
		return false
	}
	if r.Max != nil && compareFilter(cell, r.Max) > 0 {
		return false
	}
	return true
}

// OneOf matches cells equal to any element of a list filter value. A
// scalar filter behaves like Equals.
func OneOf(cell, filter any) bool {
	values, ok := asList(filter)
	if !ok {
		return Equals(cell, filter)
	}
	for _, v := range values {
		if Equals(cell, v) {
			return true
		}
	}
	return false
}

// FilterFuncs maps operator names used in table definitions and query
// strings to the built-in filter functions.
var FilterFuncs = map[string]FilterFn{
	"eq":          Equals,
	"neq":         NotEquals,
	"contains":    IncludesString,
	"starts_with": StartsWith,
	"gt":          GreaterThan,
	"gte":         GreaterOrEqual,
	"lt":          LessThan,
	"lte":         LessOrEqual,
	"between":     InRange,
	"in":          OneOf,
}

// LookupFilter returns the built-in filter function for an operator name.
func LookupFilter(op string) (FilterFn, bool) {
	fn, ok := FilterFuncs[op]
	return fn, ok
}

// matchRow reports whether row passes every column filter and, if set,
// the global query.
func matchRow[T any](cols columnSet[T], state model.TableState, row T) bool {
	for _, f := range state.ColumnFilters {
		col, ok := cols.get(f.ColumnID)
		if !ok {
			continue
		}
		if !col.matches(col.Value(row), f.Value) {
			return false
		}
	}
	if !state.GlobalFilter.Active() {
		return true
	}
	query := strings.ToLower(state.GlobalFilter.Query)
	for _, col := range cols.defs {
		if col.ExcludeFromSearch {
			continue
		}
		if strings.Contains(strings.ToLower(col.Render(row)), query) {
			return true
		}
	}
	return false
}

func filterRows[T any](cols columnSet[T], state model.TableState, rows []T) []T {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		if matchRow(cols, state, row) {
			out = append(out, row)
		}
	}
	return out
}

// compareFilter compares a cell against a filter value after coercing
// string filter values to the cell's kind.
func compareFilter(cell, filter any) int {
	if s, ok := filter.(string); ok {
		switch c := cell.(type) {
		case bool:
			if b, err := strconv.ParseBool(s); err == nil {
				return CompareValues(c, b)
			}
		case time.Time:
			if ts, err := time.Parse(time.RFC3339, s); err == nil {
				return CompareValues(c, ts)
			}
			if ts, err := time.Parse(time.DateOnly, s); err == nil {
				return CompareValues(c, ts)
			}
		default:
			if _, isNum := toFloat(cell); isNum {
				if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
					return CompareValues(cell, f)
				}
			}
		}
	}
	if cs, ok := cell.(string); ok {
		if fs, ok := filter.(string); ok && strings.EqualFold(cs, fs) {
			return 0
		}
	}
	return CompareValues(cell, filter)
}

// toFloat converts numeric kinds to float64. Strings are not parsed.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// ParseRange reads a range filter value: a Range, a map with "min" and
// "max" keys, or a two-element list. Missing bounds and empty strings mean
// an open bound.
func ParseRange(v any) (Range, bool) {
	return asRange(v)
}

// ParseList reads a list filter value.
func ParseList(v any) ([]any, bool) {
	return asList(v)
}

func asRange(v any) (Range, bool) {
	switch r := v.(type) {
	case Range:
		return r, true
	case *Range:
		if r == nil {
			return Range{}, false
		}
		return *r, true
	case map[string]any:
		return Range{Min: emptyToNil(r["min"]), Max: emptyToNil(r["max"])}, true
	}
	if list, ok := asList(v); ok && len(list) == 2 {
		return Range{Min: emptyToNil(list[0]), Max: emptyToNil(list[1])}, true
	}
	return Range{}, false
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

func emptyToNil(v any) any {
	if s, ok := v.(string); ok && s == "" {
		return nil
	}
	return v
}
