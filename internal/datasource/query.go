package datasource

import (
	"github.com/pitabwire/tabula/model"
)

// QueryFor renders a table state as a Query against def's fields. Filters
// on undeclared columns are dropped.
func QueryFor(def model.TableDefinition, state model.TableState) model.Query {
	cols := make(map[string]model.ColumnDefinition, len(def.Columns))
	for _, c := range def.Columns {
		cols[c.ID] = c
	}

	q := model.Query{
		Offset:       state.Pagination.PageIndex * state.Pagination.PageSize,
		Limit:        state.Pagination.PageSize,
		GlobalFilter: state.GlobalFilter.Query,
	}
	if s := state.Sort; s != nil {
		if _, ok := cols[s.ColumnID]; ok {
			sort := *s
			q.Sort = &sort
		}
	}
	for _, f := range state.ColumnFilters {
		c, ok := cols[f.ColumnID]
		if !ok {
			continue
		}
		q.Filters = append(q.Filters, model.QueryFilter{
			ColumnID: c.ID,
			Field:    c.FieldPath(),
			Operator: OperatorFor(c),
			Value:    f.Value,
		})
	}
	return q
}

// OperatorFor returns the filter operator of a column: the declared one, or
// "contains" for text columns and "eq" for everything else.
func OperatorFor(c model.ColumnDefinition) string {
	if c.Filter != nil && c.Filter.Operator != "" {
		return c.Filter.Operator
	}
	switch c.Type {
	case "", model.ColumnString:
		return "contains"
	}
	return "eq"
}

// StateOf is the inverse of QueryFor: the table state a Query was rendered
// from. Sources that filter in memory use it to run the engine pipeline.
func StateOf(q model.Query) model.TableState {
	state := model.NewTableState(q.Limit)
	if q.Limit > 0 {
		state.Pagination.PageIndex = q.Offset / q.Limit
	}
	if q.Sort != nil {
		sort := *q.Sort
		state.Sort = &sort
	}
	for _, f := range q.Filters {
		state.ColumnFilters = append(state.ColumnFilters, model.ColumnFilter{ColumnID: f.ColumnID, Value: f.Value})
	}
	state.GlobalFilter.Query = q.GlobalFilter
	return state
}
