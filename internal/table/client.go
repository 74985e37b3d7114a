package table

import (
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/tabula/model"
)

// Result is the visible window computed by a ClientEngine.
type Result[T any] struct {
	Rows      []T                     `json:"rows"`
	TotalRows int                     `json:"total_rows"`
	PageCount int                     `json:"page_count"`
	State     model.TableState        `json:"state"`
	Summary   model.PaginationSummary `json:"summary"`
}

// ClientEngine holds a full dataset in memory and computes the visible
// rows by filtering, then sorting, then paginating. Every operation
// recomputes synchronously and notifies subscribers with the new result.
type ClientEngine[T any] struct {
	mu      sync.Mutex
	model   stateModel[T]
	options []int
	data    []T
	result  Result[T]
	subs    map[int]func(Result[T])
	nextSub int
	closed  bool
	logger  *zap.Logger
}

// NewClientEngine creates an engine over data. No subscriber is notified
// for the initial computation.
func NewClientEngine[T any](columns []ColumnDef[T], data []T, opts ...Option) *ClientEngine[T] {
	o := buildOptions(opts)
	e := &ClientEngine[T]{
		model:   newStateModel(columns, o.pageSize),
		options: slices.Clone(o.pageSizeOptions),
		data:    slices.Clone(data),
		subs:    make(map[int]func(Result[T])),
		logger:  o.logger,
	}
	if o.sort != nil {
		e.model.setSort(o.sort)
	}
	e.result = e.computeLocked(e.data)
	e.model.state.Pagination = e.result.State.Pagination
	return e
}

// Compute runs the filter, sort and paginate pipeline over dataset using
// the current state. It does not change the engine's dataset.
func (e *ClientEngine[T]) Compute(dataset []T) Result[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.computeLocked(dataset)
}

func (e *ClientEngine[T]) computeLocked(dataset []T) Result[T] {
	return apply(e.model.cols, e.model.snapshot(), dataset)
}

// Apply runs the filter, sort and paginate pipeline over rows for the
// given state, without an engine. The page index is clamped to the
// filtered row count.
func Apply[T any](columns []ColumnDef[T], state model.TableState, rows []T) Result[T] {
	return apply(newColumnSet(columns), state.Clone(), rows)
}

func apply[T any](cols columnSet[T], state model.TableState, dataset []T) Result[T] {
	rows := filterRows(cols, state, dataset)
	if state.Sort != nil {
		if col, ok := cols.get(state.Sort.ColumnID); ok {
			sortRows(rows, col, state.Sort.Direction)
		}
	}

	total := len(rows)
	pageCount := PageCount(total, state.Pagination.PageSize)
	state.Pagination = ClampPage(state.Pagination, pageCount)
	start, end := pageBounds(state.Pagination, total)

	return Result[T]{
		Rows:      slices.Clone(rows[start:end]),
		TotalRows: total,
		PageCount: pageCount,
		State:     state,
		Summary:   Summarize(state.Pagination, total),
	}
}

// Result returns the most recent computation.
func (e *ClientEngine[T]) Result() Result[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cloneResult()
}

func (e *ClientEngine[T]) cloneResult() Result[T] {
	r := e.result
	r.Rows = slices.Clone(r.Rows)
	r.State = r.State.Clone()
	return r
}

// State returns a snapshot of the current table state.
func (e *ClientEngine[T]) State() model.TableState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model.snapshot()
}

// Columns returns the engine's column definitions.
func (e *ClientEngine[T]) Columns() []ColumnDef[T] {
	return slices.Clone(e.model.cols.defs)
}

// PageSizeOptions returns the page sizes offered to the user.
func (e *ClientEngine[T]) PageSizeOptions() []int {
	return slices.Clone(e.options)
}

// Subscribe registers fn to receive every recomputed result. The returned
// function removes the subscription.
func (e *ClientEngine[T]) Subscribe(fn func(Result[T])) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return func() {}
	}
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

// SetData replaces the dataset and recomputes.
func (e *ClientEngine[T]) SetData(data []T) {
	e.update("set_data", func() bool {
		e.data = slices.Clone(data)
		return true
	})
}

// FirstPage moves to the first page.
func (e *ClientEngine[T]) FirstPage() {
	e.update("first_page", func() bool {
		return e.model.setPagination(FirstPage(e.model.state.Pagination))
	})
}

// PreviousPage moves back one page.
func (e *ClientEngine[T]) PreviousPage() {
	e.update("previous_page", func() bool {
		return e.model.setPagination(PreviousPage(e.model.state.Pagination))
	})
}

// NextPage moves forward one page.
func (e *ClientEngine[T]) NextPage() {
	e.update("next_page", func() bool {
		return e.model.setPagination(NextPage(e.model.state.Pagination, e.result.PageCount))
	})
}

// LastPage moves to the final page.
func (e *ClientEngine[T]) LastPage() {
	e.update("last_page", func() bool {
		return e.model.setPagination(LastPage(e.model.state.Pagination, e.result.PageCount))
	})
}

// SetPageSize changes the page size and returns to the first page.
// Non-positive sizes are ignored.
func (e *ClientEngine[T]) SetPageSize(n int) {
	e.update("set_page_size", func() bool {
		return e.model.setPagination(SetPageSize(e.model.state.Pagination, n))
	})
}

// ToggleSort cycles the sort on columnID. Unknown or unsortable columns
// are ignored.
func (e *ClientEngine[T]) ToggleSort(columnID string) {
	e.update("toggle_sort", func() bool { return e.model.toggleSort(columnID) })
}

// SetSort replaces the sort descriptor; nil clears it.
func (e *ClientEngine[T]) SetSort(sd *model.SortDescriptor) {
	e.update("set_sort", func() bool { return e.model.setSort(sd) })
}

// SetColumnFilter sets the filter value for columnID. A nil or empty
// string value removes the filter.
func (e *ClientEngine[T]) SetColumnFilter(columnID string, value any) {
	e.update("set_filter", func() bool { return e.model.setColumnFilter(columnID, value) })
}

// RemoveFilter removes the filter on columnID.
func (e *ClientEngine[T]) RemoveFilter(columnID string) {
	e.update("remove_filter", func() bool { return e.model.removeFilter(columnID) })
}

// SetGlobalFilter sets the free-text query; empty disables it.
func (e *ClientEngine[T]) SetGlobalFilter(query string) {
	e.update("set_global_filter", func() bool { return e.model.setGlobalFilter(query) })
}

// ClearAll removes every column filter and the global query in one
// update.
func (e *ClientEngine[T]) ClearAll() {
	e.update("clear_filters", func() bool { return e.model.clearAll() })
}

// ActiveFilters returns the active column filters for display.
func (e *ClientEngine[T]) ActiveFilters() []model.ActiveFilterView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model.activeFilters()
}

// Summary returns the pagination readout for the current result.
func (e *ClientEngine[T]) Summary() model.PaginationSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result.Summary
}

// Close drops all subscribers. Later operations are ignored.
func (e *ClientEngine[T]) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	clear(e.subs)
}

// update applies mutate under the lock and, if it changed anything,
// recomputes and notifies subscribers outside the lock.
func (e *ClientEngine[T]) update(op string, mutate func() bool) {
	e.mu.Lock()
	if e.closed || !mutate() {
		e.mu.Unlock()
		return
	}
	e.result = e.computeLocked(e.data)
	e.model.state.Pagination = e.result.State.Pagination
	result := e.cloneResult()
	subs := make([]func(Result[T]), 0, len(e.subs))
	for _, id := range slices.Sorted(maps.Keys(e.subs)) {
		subs = append(subs, e.subs[id])
	}
	e.mu.Unlock()

	e.logger.Debug("table state changed",
		zap.String("op", op),
		zap.Int("page_index", result.State.Pagination.PageIndex),
		zap.Int("total_rows", result.TotalRows),
	)
	for _, fn := range subs {
		fn(result)
	}
}
