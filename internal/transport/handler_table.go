package transport

import (
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/model"
)

func (h *handlers) listTables(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	WriteJSON(w, http.StatusOK, map[string]any{
		"tables": h.catalog.ListTables(rctx),
	})
}

func (h *handlers) getTable(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	desc, err := h.catalog.GetTable(rctx, chi.URLParam(r, "tableId"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, desc)
}

func (h *handlers) getTableData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rctx := model.RequestContextFrom(ctx)
	tableID := chi.URLParam(r, "tableId")

	state, fieldErrs := parseTableState(r, h.catalog.MaxPageSize())
	if len(fieldErrs) > 0 {
		respondError(w, r, model.NewValidationError(fieldErrs))
		return
	}

	ctx, span := observability.StartSpan(ctx, "table.window", observability.AttrTableID.String(tableID))
	resp, err := h.sessions.Window(ctx, rctx, tableID, state)
	if err == nil {
		observability.AnnotateState(span, resp.State)
	}
	observability.EndSpan(span, err)
	if err != nil {
		observability.RequestLogger(ctx, h.logger).Warn("table window failed",
			zap.String("table_id", tableID), observability.StateField(state), zap.Error(err))
		respondError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

// parseTableState reads a table state from the query string:
//
//	page       1-based page number (default 1)
//	page_size  rows per page (default: the table's page size)
//	sort       column ID; sort_dir is asc (default) or desc
//	q          global filter
//	filter[c]  column filter; repeating the key gives a list value
func parseTableState(r *http.Request, maxPageSize int) (model.TableState, []model.FieldError) {
	var errs []model.FieldError
	q := r.URL.Query()

	page, ok := queryInt(r, "page", 1)
	if !ok || page < 1 {
		errs = append(errs, model.FieldError{Field: "page", Code: "INVALID", Message: "page must be a positive integer"})
	}
	size, ok := queryInt(r, "page_size", 0)
	switch {
	case !ok || size < 0:
		errs = append(errs, model.FieldError{Field: "page_size", Code: "INVALID", Message: "page_size must be a positive integer"})
	case maxPageSize > 0 && size > maxPageSize:
		errs = append(errs, model.FieldError{Field: "page_size", Code: "TOO_LARGE", Message: "page_size must not exceed " + strconv.Itoa(maxPageSize)})
	}

	state := model.NewTableState(size)
	state.Pagination.PageIndex = max(page-1, 0)

	if col := q.Get("sort"); col != "" {
		dir := model.SortDirection(strings.ToLower(q.Get("sort_dir")))
		if dir == "" {
			dir = model.SortAsc
		}
		if !dir.Valid() {
			errs = append(errs, model.FieldError{Field: "sort_dir", Code: "INVALID", Message: "sort_dir must be asc or desc"})
		}
		state.Sort = &model.SortDescriptor{ColumnID: col, Direction: dir}
	}

	state.GlobalFilter.Query = q.Get("q")
	filters := queryMap(r, "filter")
	for _, col := range slices.Sorted(maps.Keys(filters)) {
		values := filters[col]
		if len(values) == 1 && values[0] == "" {
			continue
		}
		var value any = values[0]
		if len(values) > 1 {
			value = values
		}
		state.ColumnFilters = append(state.ColumnFilters, model.ColumnFilter{ColumnID: col, Value: value})
	}
	return state, errs
}

// queryInt reads an integer query parameter. ok is false when the value is
// present but not an integer.
func queryInt(r *http.Request, key string, def int) (int, bool) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, true
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def, false
	}
	return v, true
}

// queryMap extracts all query params with a given prefix as a map.
// e.g., filter[status]=active → {"status": ["active"]}
func queryMap(r *http.Request, prefix string) map[string][]string {
	result := make(map[string][]string)
	for key, values := range r.URL.Query() {
		if len(key) > len(prefix)+2 && key[:len(prefix)+1] == prefix+"[" && key[len(key)-1] == ']' {
			field := key[len(prefix)+1 : len(key)-1]
			if len(values) > 0 {
				result[field] = values
			}
		}
	}
	return result
}
