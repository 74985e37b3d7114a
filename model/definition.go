package model

import "time"

// Table modes.
const (
	ModeClient = "client"
	ModeServer = "server"
)

// Column types.
const (
	ColumnString   = "string"
	ColumnNumber   = "number"
	ColumnInteger  = "integer"
	ColumnBoolean  = "boolean"
	ColumnDate     = "date"
	ColumnDateTime = "datetime"
	ColumnEnum     = "enum"
)

// DomainDefinition is the root structure of a definition file. Each file
// declares one domain's tables.
type DomainDefinition struct {
	Domain  string            `yaml:"domain"  json:"domain"`
	Version string            `yaml:"version" json:"version"`
	Tables  []TableDefinition `yaml:"tables"  json:"tables"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// TableDefinition describes one table: its columns, how rows are sourced,
// and the engine settings used when it is mounted.
type TableDefinition struct {
	ID              string             `yaml:"id"                json:"id"`
	Title           string             `yaml:"title"             json:"title"`
	Description     string             `yaml:"description"       json:"description,omitempty"`
	Mode            string             `yaml:"mode"              json:"mode"`
	Roles           []string           `yaml:"roles"             json:"roles,omitempty"`
	PageSize        int                `yaml:"page_size"         json:"page_size,omitempty"`
	PageSizeOptions []int              `yaml:"page_size_options" json:"page_size_options,omitempty"`
	Debounce        time.Duration      `yaml:"debounce"          json:"-"`
	DefaultSort     *SortDefinition    `yaml:"default_sort"      json:"default_sort,omitempty"`
	Columns         []ColumnDefinition `yaml:"columns"           json:"columns"`
	Source          SourceDefinition   `yaml:"source"            json:"source"`
}

// SortDefinition is the sort applied when a table is mounted.
type SortDefinition struct {
	Column    string `yaml:"column"    json:"column"`
	Direction string `yaml:"direction" json:"direction"`
}

// ColumnDefinition describes a table column.
type ColumnDefinition struct {
	ID       string            `yaml:"id"       json:"id"`
	Header   string            `yaml:"header"   json:"header"`
	Field    string            `yaml:"field"    json:"field,omitempty"`
	Type     string            `yaml:"type"     json:"type"`
	Sortable bool              `yaml:"sortable" json:"sortable,omitempty"`
	Format   string            `yaml:"format"   json:"format,omitempty"`
	Width    string            `yaml:"width"    json:"width,omitempty"`
	Filter   *FilterDefinition `yaml:"filter"   json:"filter,omitempty"`

	// Searchable includes the column in the global query. Unset means true.
	Searchable *bool `yaml:"searchable" json:"searchable,omitempty"`
}

// IsSearchable reports whether the global query matches this column.
func (c ColumnDefinition) IsSearchable() bool {
	return c.Searchable == nil || *c.Searchable
}

// FieldPath returns the dot path used to read the column from a row,
// defaulting to the column ID.
func (c ColumnDefinition) FieldPath() string {
	if c.Field != "" {
		return c.Field
	}
	return c.ID
}

// FilterDefinition describes the filter control for a column.
type FilterDefinition struct {
	Operator    string         `yaml:"operator"    json:"operator"`
	Type        string         `yaml:"type"        json:"type"`
	Placeholder string         `yaml:"placeholder" json:"placeholder,omitempty"`
	Options     []StaticOption `yaml:"options"     json:"options,omitempty"`
}

// StaticOption is a label/value pair for dropdowns and filters.
type StaticOption struct {
	Label string `yaml:"label" json:"label"`
	Value string `yaml:"value" json:"value"`
}

// SourceDefinition describes where a table's rows come from. Which fields
// apply depends on the driver of the named datasource: Rows or File for
// static sources, Table or Query for SQL sources, ServiceID and
// OperationID for HTTP backends.
type SourceDefinition struct {
	Datasource  string                    `yaml:"datasource"   json:"datasource"`
	Table       string                    `yaml:"table"        json:"table,omitempty"`
	Query       string                    `yaml:"query"        json:"query,omitempty"`
	Rows        []map[string]any          `yaml:"rows"         json:"rows,omitempty"`
	File        string                    `yaml:"file"         json:"file,omitempty"`
	ServiceID   string                    `yaml:"service_id"   json:"service_id,omitempty"`
	OperationID string                    `yaml:"operation_id" json:"operation_id,omitempty"`
	Mapping     ResponseMappingDefinition `yaml:"mapping"      json:"mapping"`
}

// ResponseMappingDefinition describes how to transform a backend response.
type ResponseMappingDefinition struct {
	ItemsPath string            `yaml:"items_path" json:"items_path"`
	TotalPath string            `yaml:"total_path" json:"total_path,omitempty"`
	FieldMap  map[string]string `yaml:"field_map"  json:"field_map,omitempty"`
}
