package model

import "time"

// TableSummary is a table's entry in the catalog listing.
type TableSummary struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Domain string `json:"domain"`
	Mode   string `json:"mode"`
}

// TableDescriptor is the resolved table metadata sent to the frontend.
type TableDescriptor struct {
	ID               string             `json:"id"`
	Title            string             `json:"title"`
	Description      string             `json:"description,omitempty"`
	Domain           string             `json:"domain"`
	DomainVersion    string             `json:"domain_version,omitempty"`
	Mode             string             `json:"mode"`
	Columns          []ColumnDescriptor `json:"columns"`
	Filters          []FilterDescriptor `json:"filters,omitempty"`
	DefaultSort      *SortDescriptor    `json:"default_sort,omitempty"`
	PageSize         int                `json:"page_size"`
	PageSizeOptions  []int              `json:"page_size_options"`
	DebounceMS       int64              `json:"debounce_ms"`
	DataEndpoint     string             `json:"data_endpoint"`
	SessionsEndpoint string             `json:"sessions_endpoint"`
}

// ColumnDescriptor describes a visible table column.
type ColumnDescriptor struct {
	ID         string `json:"id"`
	Header     string `json:"header"`
	Type       string `json:"type"`
	Sortable   bool   `json:"sortable"`
	Searchable bool   `json:"searchable"`
	Format     string `json:"format,omitempty"`
	Width      string `json:"width,omitempty"`
}

// FilterDescriptor describes a resolved filter control.
type FilterDescriptor struct {
	ColumnID    string             `json:"column_id"`
	Label       string             `json:"label"`
	Type        string             `json:"type"`
	Operator    string             `json:"operator"`
	Placeholder string             `json:"placeholder,omitempty"`
	Options     []OptionDescriptor `json:"options,omitempty"`
}

// OptionDescriptor is a resolved option for dropdowns and filters.
type OptionDescriptor struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// DataResponse is one computed window of a table.
type DataResponse struct {
	Rows          []Row              `json:"rows"`
	TotalRows     int                `json:"total_rows"`
	PageCount     int                `json:"page_count"`
	State         TableState         `json:"state"`
	Summary       PaginationSummary  `json:"summary"`
	ActiveFilters []ActiveFilterView `json:"active_filters"`
}

// PanelView is the filter panel as seen by the frontend. Draft holds
// staged values that are not yet part of the table state.
type PanelView struct {
	Open  bool           `json:"open"`
	Draft map[string]any `json:"draft"`
}

// SessionView is a mounted table session as seen by the frontend.
type SessionView struct {
	ID            string             `json:"id"`
	TableID       string             `json:"table_id"`
	Mode          string             `json:"mode"`
	Status        string             `json:"status"`
	Rows          []Row              `json:"rows"`
	TotalRows     int                `json:"total_rows"`
	PageCount     int                `json:"page_count"`
	State         TableState         `json:"state"`
	Summary       PaginationSummary  `json:"summary"`
	ActiveFilters []ActiveFilterView `json:"active_filters"`
	Panel         PanelView          `json:"panel"`
	Seq           uint64             `json:"seq"`
	Error         string             `json:"error,omitempty"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// SessionAction is one user interaction applied to a session.
type SessionAction struct {
	Type     string `json:"type"`
	ColumnID string `json:"column_id,omitempty"`
	Value    any    `json:"value,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
	Query    string `json:"query,omitempty"`
}
