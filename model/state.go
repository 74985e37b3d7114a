package model

import "slices"

// SortDirection is the direction of the active sort.
type SortDirection string

// Sort directions.
const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// Valid reports whether d is one of the known directions.
func (d SortDirection) Valid() bool {
	return d == SortAsc || d == SortDesc
}

// PaginationState is the current page window. PageIndex is zero-based.
type PaginationState struct {
	PageIndex int `json:"page_index"`
	PageSize  int `json:"page_size"`
}

// SortDescriptor names the single column a table is sorted by.
type SortDescriptor struct {
	ColumnID  string        `json:"column_id"`
	Direction SortDirection `json:"direction"`
}

// ColumnFilter is an active filter on one column. Value is opaque to the
// engine; only the column's filter function interprets it.
type ColumnFilter struct {
	ColumnID string `json:"column_id"`
	Value    any    `json:"value"`
}

// GlobalFilter is the free-text filter applied across all columns.
type GlobalFilter struct {
	Query string `json:"query"`
}

// Active reports whether the global filter narrows the rows.
func (g GlobalFilter) Active() bool {
	return g.Query != ""
}

// TableState is an immutable snapshot of pagination, sort, and filters.
// Engines never mutate a snapshot after handing it out; use Clone before
// deriving a new state from an existing one.
type TableState struct {
	Pagination    PaginationState `json:"pagination"`
	Sort          *SortDescriptor `json:"sort,omitempty"`
	ColumnFilters []ColumnFilter  `json:"column_filters"`
	GlobalFilter  GlobalFilter    `json:"global_filter"`
}

// NewTableState returns the default state for a freshly mounted table.
func NewTableState(pageSize int) TableState {
	return TableState{
		Pagination:    PaginationState{PageIndex: 0, PageSize: pageSize},
		ColumnFilters: []ColumnFilter{},
	}
}

// Clone returns a deep copy of the state's own containers. Filter values
// are copied by reference.
func (s TableState) Clone() TableState {
	out := s
	if s.Sort != nil {
		sort := *s.Sort
		out.Sort = &sort
	}
	out.ColumnFilters = slices.Clone(s.ColumnFilters)
	if out.ColumnFilters == nil {
		out.ColumnFilters = []ColumnFilter{}
	}
	return out
}

// Filter returns the filter value for columnID, if one is active.
func (s TableState) Filter(columnID string) (any, bool) {
	for _, f := range s.ColumnFilters {
		if f.ColumnID == columnID {
			return f.Value, true
		}
	}
	return nil, false
}

// HasFilters reports whether any column or global filter is active.
func (s TableState) HasFilters() bool {
	return len(s.ColumnFilters) > 0 || s.GlobalFilter.Active()
}

// ActiveFilterView is the display projection of one active column filter,
// used to render removable filter chips.
type ActiveFilterView struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Value string `json:"value"`
}

// PaginationSummary backs the "Showing X–Y of Z" readout. StartRow and
// EndRow are 1-based and both zero when there are no rows.
type PaginationSummary struct {
	PageIndex       int  `json:"page_index"`
	PageSize        int  `json:"page_size"`
	PageCount       int  `json:"page_count"`
	TotalRows       int  `json:"total_rows"`
	StartRow        int  `json:"start_row"`
	EndRow          int  `json:"end_row"`
	CanPreviousPage bool `json:"can_previous_page"`
	CanNextPage     bool `json:"can_next_page"`
}

// Row is the dynamic row shape used by definition-driven tables.
type Row = map[string]any
