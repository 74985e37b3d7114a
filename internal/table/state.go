package table

import (
	"slices"
	"strings"

	"github.com/pitabwire/tabula/model"
)

// stateModel holds the pagination, sort and filter models shared by both
// engines. Every mutator reports whether the state changed; callers hold
// the engine lock.
type stateModel[T any] struct {
	cols  columnSet[T]
	state model.TableState
}

func newStateModel[T any](columns []ColumnDef[T], pageSize int) stateModel[T] {
	return stateModel[T]{
		cols:  newColumnSet(columns),
		state: model.NewTableState(pageSize),
	}
}

func (m *stateModel[T]) snapshot() model.TableState {
	return m.state.Clone()
}

func (m *stateModel[T]) setPagination(p model.PaginationState) bool {
	if p == m.state.Pagination {
		return false
	}
	m.state.Pagination = p
	return true
}

func (m *stateModel[T]) toggleSort(columnID string) bool {
	col, ok := m.cols.get(columnID)
	if !ok || !col.Sortable {
		return false
	}
	m.state.Sort = ToggleSort(m.state.Sort, columnID)
	m.state.Pagination = FirstPage(m.state.Pagination)
	return true
}

func (m *stateModel[T]) setSort(sd *model.SortDescriptor) bool {
	if sd == nil {
		if m.state.Sort == nil {
			return false
		}
		m.state.Sort = nil
		m.state.Pagination = FirstPage(m.state.Pagination)
		return true
	}
	col, ok := m.cols.get(sd.ColumnID)
	if !ok || !col.Sortable || !sd.Direction.Valid() {
		return false
	}
	if m.state.Sort != nil && *m.state.Sort == *sd {
		return false
	}
	next := *sd
	m.state.Sort = &next
	m.state.Pagination = FirstPage(m.state.Pagination)
	return true
}

func (m *stateModel[T]) setColumnFilter(columnID string, value any) bool {
	if _, ok := m.cols.get(columnID); !ok {
		return false
	}
	if isEmptyFilter(value) {
		return m.removeFilter(columnID)
	}

	filters := slices.Clone(m.state.ColumnFilters)
	i := slices.IndexFunc(filters, func(f model.ColumnFilter) bool { return f.ColumnID == columnID })
	if i >= 0 {
		filters[i].Value = value
	} else {
		filters = append(filters, model.ColumnFilter{ColumnID: columnID, Value: value})
	}
	m.state.ColumnFilters = filters
	m.state.Pagination = FirstPage(m.state.Pagination)
	return true
}

func (m *stateModel[T]) removeFilter(columnID string) bool {
	i := slices.IndexFunc(m.state.ColumnFilters, func(f model.ColumnFilter) bool { return f.ColumnID == columnID })
	if i < 0 {
		return false
	}
	m.state.ColumnFilters = slices.Delete(slices.Clone(m.state.ColumnFilters), i, i+1)
	m.state.Pagination = FirstPage(m.state.Pagination)
	return true
}

func (m *stateModel[T]) setGlobalFilter(query string) bool {
	if m.state.GlobalFilter.Query == query {
		return false
	}
	m.state.GlobalFilter = model.GlobalFilter{Query: query}
	m.state.Pagination = FirstPage(m.state.Pagination)
	return true
}

func (m *stateModel[T]) clearAll() bool {
	if !m.state.HasFilters() {
		return false
	}
	m.state.ColumnFilters = []model.ColumnFilter{}
	m.state.GlobalFilter = model.GlobalFilter{}
	m.state.Pagination = FirstPage(m.state.Pagination)
	return true
}

func (m *stateModel[T]) activeFilters() []model.ActiveFilterView {
	out := make([]model.ActiveFilterView, 0, len(m.state.ColumnFilters))
	for _, f := range m.state.ColumnFilters {
		out = append(out, model.ActiveFilterView{
			ID:    f.ColumnID,
			Label: m.cols.header(f.ColumnID),
			Value: renderFilterValue(f.Value),
		})
	}
	return out
}

func isEmptyFilter(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	default:
		return false
	}
}

func renderFilterValue(v any) string {
	switch x := v.(type) {
	case Range:
		return FormatValue(x.Min) + " – " + FormatValue(x.Max)
	case *Range:
		if x != nil {
			return FormatValue(x.Min) + " – " + FormatValue(x.Max)
		}
	}
	if list, ok := asList(v); ok {
		parts := make([]string, len(list))
		for i, item := range list {
			parts[i] = FormatValue(item)
		}
		return strings.Join(parts, ", ")
	}
	return FormatValue(v)
}
