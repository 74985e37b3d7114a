package session

import (
	"context"
	"slices"

	"github.com/pitabwire/tabula/internal/datasource"
	"github.com/pitabwire/tabula/internal/table"
	"github.com/pitabwire/tabula/model"
)

// Window computes one page of tableID for state without mounting a
// session. Server-mode tables push the state down to their source;
// client-mode tables read every row and run the engine pipeline.
func (m *Manager) Window(ctx context.Context, rctx *model.RequestContext, tableID string, state model.TableState) (model.DataResponse, error) {
	resolved, err := m.catalog.Resolve(rctx, tableID)
	if err != nil {
		return model.DataResponse{}, err
	}
	if state.Pagination.PageSize <= 0 {
		state.Pagination.PageSize = resolved.PageSize
	}
	if !slices.Contains(resolved.PageSizeOptions, state.Pagination.PageSize) {
		return model.DataResponse{}, model.NewBadRequestError("page_size must be one of the table's page size options")
	}
	if state.Sort == nil {
		state.Sort = resolved.InitialSort
	}

	src, err := m.sources.Source(resolved.Definition, resolved.Columns, resolved.Version)
	if err != nil {
		return model.DataResponse{}, err
	}
	ctx, cancel := context.WithTimeout(model.WithRequestContext(ctx, rctx), m.cfg.FetchTimeout)
	defer cancel()

	// Active filter labels come from a throwaway engine so they render the
	// same way a mounted session would.
	probe := table.NewClientEngine(resolved.Columns, nil, table.WithInitialPageSize(state.Pagination.PageSize))
	defer probe.Close()
	for _, f := range state.ColumnFilters {
		probe.SetColumnFilter(f.ColumnID, f.Value)
	}
	state.ColumnFilters = probe.State().ColumnFilters

	if resolved.Definition.Mode != model.ModeServer {
		page, err := src.Fetch(ctx, model.Query{})
		if err != nil {
			return model.DataResponse{}, err
		}
		r := table.Apply(resolved.Columns, state, page.Rows)
		return model.DataResponse{
			Rows:          nonNil(r.Rows),
			TotalRows:     r.TotalRows,
			PageCount:     r.PageCount,
			State:         r.State,
			Summary:       r.Summary,
			ActiveFilters: probe.ActiveFilters(),
		}, nil
	}

	page, err := src.Fetch(ctx, datasource.QueryFor(resolved.Definition, state))
	if err != nil {
		return model.DataResponse{}, err
	}
	p := state.Pagination
	pageCount := pageCountFor(page.Total, p.PageIndex, p.PageSize, len(page.Rows))
	total := page.Total
	if total < 0 {
		total = p.PageIndex*p.PageSize + len(page.Rows)
	}
	return model.DataResponse{
		Rows:          nonNil(page.Rows),
		TotalRows:     total,
		PageCount:     pageCount,
		State:         state,
		Summary:       table.Summarize(p, total),
		ActiveFilters: probe.ActiveFilters(),
	}, nil
}

func nonNil(rows []model.Row) []model.Row {
	if rows == nil {
		return []model.Row{}
	}
	return rows
}
