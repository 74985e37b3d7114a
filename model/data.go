package model

import "strings"

// Query is a table state rendered for a data source: which window to read
// and which rows qualify.
type Query struct {
	Offset       int
	Limit        int
	Sort         *SortDescriptor
	Filters      []QueryFilter
	GlobalFilter string
}

// QueryFilter is a column filter with its source field and operator
// resolved from the table definition.
type QueryFilter struct {
	ColumnID string
	Field    string
	Operator string
	Value    any
}

// Page is a window of rows returned by a data source. Total is the number
// of rows matching the query across all pages, or -1 when the source
// cannot tell.
type Page struct {
	Rows  []Row `json:"rows"`
	Total int   `json:"total"`
}

// Lookup reads a dot-separated path from a row of nested maps.
func Lookup(row Row, path string) (any, bool) {
	var cur any = row
	for part := range strings.SplitSeq(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
