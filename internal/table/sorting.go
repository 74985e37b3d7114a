package table

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/pitabwire/tabula/model"
)

// ToggleSort advances the sort cycle for columnID: unsorted, asc, desc,
// unsorted. A different column replaces the current descriptor with asc.
// The returned descriptor is always freshly allocated.
func ToggleSort(current *model.SortDescriptor, columnID string) *model.SortDescriptor {
	if current == nil || current.ColumnID != columnID {
		return &model.SortDescriptor{ColumnID: columnID, Direction: model.SortAsc}
	}
	if current.Direction == model.SortAsc {
		return &model.SortDescriptor{ColumnID: columnID, Direction: model.SortDesc}
	}
	return nil
}

// CompareValues orders two cell values. Nil sorts first. Numbers compare
// numerically, times chronologically, bools false before true, strings
// case-insensitively with a byte-wise tiebreak. Values of different kinds
// compare by their rendered text.
func CompareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}

	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return cmp.Compare(fa, fb)
		}
	}

	switch x := a.(type) {
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			default:
				return 1
			}
		}
	case string:
		if y, ok := b.(string); ok {
			return compareText(x, y)
		}
	}
	return compareText(FormatValue(a), FormatValue(b))
}

func compareText(a, b string) int {
	if c := strings.Compare(strings.ToLower(a), strings.ToLower(b)); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

// sortRows stable-sorts rows in place by col. Rows with equal keys keep
// their relative order.
func sortRows[T any](rows []T, col ColumnDef[T], dir model.SortDirection) {
	slices.SortStableFunc(rows, func(a, b T) int {
		c := col.compare(col.Value(a), col.Value(b))
		if dir == model.SortDesc {
			return -c
		}
		return c
	})
}
