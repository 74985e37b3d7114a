// Package metadata resolves table definitions into frontend descriptors and
// engine settings, applying role checks and configured defaults.
package metadata

import (
	"fmt"
	"slices"
	"time"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/definition"
	"github.com/pitabwire/tabula/internal/table"
	"github.com/pitabwire/tabula/model"
)

// ResolvedTable is a table definition with defaults applied, ready to be
// mounted on an engine.
type ResolvedTable struct {
	Domain          string
	DomainVersion   string
	Definition      model.TableDefinition
	Columns         []table.ColumnDef[model.Row]
	PageSize        int
	PageSizeOptions []int
	Debounce        time.Duration
	InitialSort     *model.SortDescriptor

	// Version is the registry checksum the table was resolved from.
	Version string
}

// EngineOptions returns the engine options for the resolved settings.
func (r ResolvedTable) EngineOptions(extra ...table.Option) []table.Option {
	opts := []table.Option{
		table.WithInitialPageSize(r.PageSize),
		table.WithPageSizeOptions(r.PageSizeOptions...),
		table.WithDebounce(r.Debounce),
	}
	if r.InitialSort != nil {
		opts = append(opts, table.WithInitialSort(*r.InitialSort))
	}
	return append(opts, extra...)
}

// Catalog resolves TableDefinitions into TableDescriptors and engine
// settings.
type Catalog struct {
	registry *definition.Registry
	defaults config.TablesConfig
}

// NewCatalog creates a Catalog backed by the given registry.
func NewCatalog(registry *definition.Registry, defaults config.TablesConfig) *Catalog {
	return &Catalog{registry: registry, defaults: defaults}
}

// ListTables returns the tables visible to the caller.
func (c *Catalog) ListTables(rctx *model.RequestContext) []model.TableSummary {
	var out []model.TableSummary
	for _, e := range c.registry.Tables() {
		if !rctx.Permits(e.Table.Roles) {
			continue
		}
		out = append(out, model.TableSummary{
			ID:     e.Table.ID,
			Title:  e.Table.Title,
			Domain: e.Domain,
			Mode:   e.Table.Mode,
		})
	}
	if out == nil {
		out = []model.TableSummary{}
	}
	return out
}

// Resolve looks up a table and applies defaults. Returns an error with code
// NOT_FOUND or FORBIDDEN.
func (c *Catalog) Resolve(rctx *model.RequestContext, tableID string) (ResolvedTable, error) {
	e, ok := c.registry.Table(tableID)
	if !ok {
		return ResolvedTable{}, model.NewNotFoundError(fmt.Sprintf("table %q not found", tableID))
	}
	if !rctx.Permits(e.Table.Roles) {
		return ResolvedTable{}, model.NewForbiddenError(fmt.Sprintf("insufficient roles for table %q", tableID))
	}

	def := e.Table
	r := ResolvedTable{
		Domain:          e.Domain,
		DomainVersion:   e.DomainVersion,
		Definition:      def,
		Columns:         Columns(def),
		PageSize:        firstPositive(def.PageSize, c.defaults.PageSize, table.DefaultPageSize),
		PageSizeOptions: def.PageSizeOptions,
		Debounce:        def.Debounce,
		Version:         c.registry.Checksum(),
	}
	if len(r.PageSizeOptions) == 0 {
		r.PageSizeOptions = c.defaults.PageSizeOptions
	}
	if len(r.PageSizeOptions) == 0 {
		r.PageSizeOptions = table.DefaultPageSizeOptions
	}
	if !slices.Contains(r.PageSizeOptions, r.PageSize) {
		r.PageSizeOptions = append(slices.Clone(r.PageSizeOptions), r.PageSize)
		slices.Sort(r.PageSizeOptions)
	}
	if r.Debounce <= 0 {
		r.Debounce = c.defaults.Debounce
	}
	if ds := def.DefaultSort; ds != nil {
		dir := model.SortDirection(ds.Direction)
		if !dir.Valid() {
			dir = model.SortAsc
		}
		r.InitialSort = &model.SortDescriptor{ColumnID: ds.Column, Direction: dir}
	}
	return r, nil
}

// GetTable resolves a TableDescriptor for the frontend.
func (c *Catalog) GetTable(rctx *model.RequestContext, tableID string) (model.TableDescriptor, error) {
	r, err := c.Resolve(rctx, tableID)
	if err != nil {
		return model.TableDescriptor{}, err
	}
	return Describe(r), nil
}

// MaxPageSize returns the configured upper bound on page sizes, zero when
// unbounded.
func (c *Catalog) MaxPageSize() int {
	return c.defaults.MaxPageSize
}

// Describe builds the frontend descriptor of a resolved table.
func Describe(r ResolvedTable) model.TableDescriptor {
	def := r.Definition
	desc := model.TableDescriptor{
		ID:               def.ID,
		Title:            def.Title,
		Description:      def.Description,
		Domain:           r.Domain,
		DomainVersion:    r.DomainVersion,
		Mode:             def.Mode,
		DefaultSort:      r.InitialSort,
		PageSize:         r.PageSize,
		PageSizeOptions:  r.PageSizeOptions,
		DebounceMS:       r.Debounce.Milliseconds(),
		DataEndpoint:     fmt.Sprintf("/ui/tables/%s/data", def.ID),
		SessionsEndpoint: fmt.Sprintf("/ui/tables/%s/sessions", def.ID),
		Columns:          make([]model.ColumnDescriptor, 0, len(def.Columns)),
	}

	for _, col := range def.Columns {
		typ := col.Type
		if typ == "" {
			typ = model.ColumnString
		}
		desc.Columns = append(desc.Columns, model.ColumnDescriptor{
			ID:         col.ID,
			Header:     headerOf(col),
			Type:       typ,
			Sortable:   col.Sortable,
			Searchable: col.IsSearchable(),
			Format:     col.Format,
			Width:      col.Width,
		})

		if col.Filter == nil {
			continue
		}
		fd := model.FilterDescriptor{
			ColumnID:    col.ID,
			Label:       headerOf(col),
			Type:        col.Filter.Type,
			Operator:    col.Filter.Operator,
			Placeholder: col.Filter.Placeholder,
		}
		if fd.Type == "" {
			fd.Type = defaultFilterType(typ, len(col.Filter.Options) > 0)
		}
		for _, opt := range col.Filter.Options {
			fd.Options = append(fd.Options, model.OptionDescriptor{Label: opt.Label, Value: opt.Value})
		}
		desc.Filters = append(desc.Filters, fd)
	}

	return desc
}

func headerOf(col model.ColumnDefinition) string {
	if col.Header != "" {
		return col.Header
	}
	return col.ID
}

func defaultFilterType(columnType string, hasOptions bool) string {
	if hasOptions {
		return "select"
	}
	switch columnType {
	case model.ColumnNumber, model.ColumnInteger:
		return "number"
	case model.ColumnBoolean:
		return "boolean"
	case model.ColumnDate, model.ColumnDateTime:
		return "date"
	case model.ColumnEnum:
		return "select"
	}
	return "text"
}


func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
