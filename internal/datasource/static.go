package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/tabula/internal/table"
	"github.com/pitabwire/tabula/model"
)

// StaticSource serves rows held in memory. Queries run through the same
// filter, sort and paginate pipeline as a client-mode engine.
type StaticSource struct {
	columns []table.ColumnDef[model.Row]
	rows    []model.Row
}

// NewStaticSource creates a source over rows.
func NewStaticSource(columns []table.ColumnDef[model.Row], rows []model.Row) *StaticSource {
	return &StaticSource{columns: columns, rows: rows}
}

// OpenStatic builds a static source from a definition's inline rows or,
// when none are given, from its JSON or YAML file.
func OpenStatic(src model.SourceDefinition, columns []table.ColumnDef[model.Row]) (*StaticSource, error) {
	if len(src.Rows) > 0 || src.File == "" {
		rows := make([]model.Row, len(src.Rows))
		for i, r := range src.Rows {
			rows[i] = normalizeRow(r)
		}
		return NewStaticSource(columns, rows), nil
	}
	rows, err := ReadRowsFile(src.File)
	if err != nil {
		return nil, err
	}
	return NewStaticSource(columns, rows), nil
}

// ReadRowsFile reads a list of row objects from a .json, .yaml or .yml file.
func ReadRowsFile(path string) ([]model.Row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rows %s: %w", path, err)
	}

	var rows []map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &rows)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &rows)
	default:
		return nil, fmt.Errorf("reading rows %s: unsupported file type", path)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing rows %s: %w", path, err)
	}

	out := make([]model.Row, len(rows))
	for i, r := range rows {
		out[i] = normalizeRow(r)
	}
	return out, nil
}

// Fetch implements Source.
func (s *StaticSource) Fetch(_ context.Context, q model.Query) (model.Page, error) {
	state := StateOf(q)
	if q.Limit <= 0 {
		state.Pagination = model.PaginationState{PageIndex: 0, PageSize: max(len(s.rows), 1)}
	}
	res := table.Apply(s.columns, state, s.rows)
	return model.Page{Rows: res.Rows, Total: res.TotalRows}, nil
}

// normalizeRow converts nested map[any]any values, which older YAML
// decoders produce, into map[string]any so dot paths resolve.
func normalizeRow(r map[string]any) model.Row {
	out := make(model.Row, len(r))
	for k, v := range r {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return normalizeRow(x)
	case map[any]any:
		m := make(model.Row, len(x))
		for k, vv := range x {
			m[fmt.Sprint(k)] = normalizeValue(vv)
		}
		return m
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = normalizeValue(vv)
		}
		return out
	}
	return v
}
