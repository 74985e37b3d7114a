package table

import (
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/debounce"
	"github.com/pitabwire/tabula/model"
)

// Status distinguishes the placeholder a host should render. Idle means
// no data has been supplied yet; empty means data arrived with no rows.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusEmpty   Status = "empty"
	StatusReady   Status = "ready"
)

// StateChangeFunc receives a snapshot to fetch rows for. seq increases
// with every notification; pass it back to Resolve so responses to
// superseded snapshots are discarded.
type StateChangeFunc func(state model.TableState, seq uint64)

// View is what a server-mode host renders.
type View[T any] struct {
	Rows      []T                     `json:"rows"`
	PageCount int                     `json:"page_count"`
	TotalRows int                     `json:"total_rows"`
	State     model.TableState        `json:"state"`
	IsLoading bool                    `json:"is_loading"`
	Status    Status                  `json:"status"`
	Summary   model.PaginationSummary `json:"summary"`
	Seq       uint64                  `json:"seq"`
}

const stateKey = "state"

// ServerEngine tracks table state for rows fetched by the host. Filter
// and search changes reach the host through a debounced StateChangeFunc;
// page and sort changes are delivered immediately. Construction never
// notifies: the host performs its own initial fetch.
type ServerEngine[T any] struct {
	mu        sync.Mutex
	model     stateModel[T]
	options   []int
	rows      []T
	pageCount int
	totalRows int
	loading   bool
	loaded    bool
	seq       uint64
	closed    bool
	delay     time.Duration

	onChange  StateChangeFunc
	scheduler *debounce.Scheduler[string]
	logger    *zap.Logger
}

// NewServerEngine creates an engine that reports state changes to
// onStateChange.
func NewServerEngine[T any](columns []ColumnDef[T], onStateChange StateChangeFunc, opts ...Option) *ServerEngine[T] {
	o := buildOptions(opts)
	e := &ServerEngine[T]{
		model:     newStateModel(columns, o.pageSize),
		options:   slices.Clone(o.pageSizeOptions),
		totalRows: -1,
		delay:     o.debounce,
		onChange:  onStateChange,
		logger:    o.logger,
	}
	if o.sort != nil {
		e.model.setSort(o.sort)
	}

	schedOpts := []debounce.Option{debounce.WithClock(o.clock)}
	if o.onCoalesce != nil {
		hook := o.onCoalesce
		schedOpts = append(schedOpts, debounce.WithCoalesceHook(func(string) { hook() }))
	}
	e.scheduler = debounce.New(func(_ string, op string) {
		e.logger.Debug("debounced table state flushed", zap.String("op", op))
		e.emit()
	}, schedOpts...)
	return e
}

// State returns a snapshot of the current table state.
func (e *ServerEngine[T]) State() model.TableState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model.snapshot()
}

// Seq returns the sequence token of the latest notification.
func (e *ServerEngine[T]) Seq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// Columns returns the engine's column definitions.
func (e *ServerEngine[T]) Columns() []ColumnDef[T] {
	return slices.Clone(e.model.cols.defs)
}

// PageSizeOptions returns the page sizes offered to the user.
func (e *ServerEngine[T]) PageSizeOptions() []int {
	return slices.Clone(e.options)
}

// SetData installs the host's current page. The host is authoritative for
// rows and pageCount; the row count is not checked against the page size.
// If pageCount no longer covers the current page, the page index is
// clamped and the host is notified immediately.
func (e *ServerEngine[T]) SetData(data []T, pageCount int) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.setDataLocked(data, pageCount)
	e.clampLocked()
}

// Resolve installs the page fetched for notification seq. Responses for
// superseded notifications are dropped and Resolve returns false.
func (e *ServerEngine[T]) Resolve(seq uint64, data []T, pageCount int) bool {
	e.mu.Lock()
	if e.closed || seq < e.seq {
		stale := e.seq
		e.mu.Unlock()
		e.logger.Debug("discarding stale table page",
			zap.Uint64("seq", seq),
			zap.Uint64("latest_seq", stale),
		)
		return false
	}
	e.setDataLocked(data, pageCount)
	e.loading = false
	e.clampLocked()
	return true
}

func (e *ServerEngine[T]) setDataLocked(data []T, pageCount int) {
	e.rows = slices.Clone(data)
	e.pageCount = max(pageCount, 0)
	e.loaded = true
}

// clampLocked pulls the page index inside the host's page count and emits
// the corrected state. It releases the lock.
func (e *ServerEngine[T]) clampLocked() {
	clamped := ClampPage(e.model.state.Pagination, e.pageCount)
	changed := e.model.setPagination(clamped)
	e.mu.Unlock()
	if !changed {
		return
	}

	e.scheduler.Cancel(stateKey)
	e.emit()
}

// SetTotalRows records the host's total row count for the pagination
// summary. A negative value marks it unknown.
func (e *ServerEngine[T]) SetTotalRows(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalRows = n
}

// SetLoading passes the host's loading flag through to the view.
func (e *ServerEngine[T]) SetLoading(loading bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loading = loading
}

// View returns the current page and status.
func (e *ServerEngine[T]) View() View[T] {
	e.mu.Lock()
	defer e.mu.Unlock()

	v := View[T]{
		Rows:      slices.Clone(e.rows),
		PageCount: e.pageCount,
		TotalRows: e.totalRows,
		State:     e.model.snapshot(),
		IsLoading: e.loading,
		Seq:       e.seq,
	}
	switch {
	case e.loading:
		v.Status = StatusLoading
	case !e.loaded:
		v.Status = StatusIdle
	case len(e.rows) == 0:
		v.Status = StatusEmpty
	default:
		v.Status = StatusReady
	}
	v.Summary = e.summaryLocked()
	return v
}

func (e *ServerEngine[T]) summaryLocked() model.PaginationSummary {
	p := e.model.state.Pagination
	if e.totalRows >= 0 {
		return Summarize(p, e.totalRows)
	}

	// Without a host total, rows before this page are assumed full.
	s := model.PaginationSummary{
		PageIndex:       p.PageIndex,
		PageSize:        p.PageSize,
		PageCount:       e.pageCount,
		CanPreviousPage: CanPreviousPage(p),
		CanNextPage:     CanNextPage(p, e.pageCount),
	}
	if len(e.rows) > 0 {
		s.StartRow = p.PageIndex*p.PageSize + 1
		s.EndRow = s.StartRow + len(e.rows) - 1
	}
	s.TotalRows = s.EndRow
	if s.CanNextPage {
		s.TotalRows = e.pageCount * p.PageSize
	}
	return s
}

// ActiveFilters returns the active column filters for display.
func (e *ServerEngine[T]) ActiveFilters() []model.ActiveFilterView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model.activeFilters()
}

// FirstPage moves to the first page.
func (e *ServerEngine[T]) FirstPage() {
	e.immediate("first_page", func() bool {
		return e.model.setPagination(FirstPage(e.model.state.Pagination))
	})
}

// PreviousPage moves back one page.
func (e *ServerEngine[T]) PreviousPage() {
	e.immediate("previous_page", func() bool {
		return e.model.setPagination(PreviousPage(e.model.state.Pagination))
	})
}

// NextPage moves forward one page within the host's page count.
func (e *ServerEngine[T]) NextPage() {
	e.immediate("next_page", func() bool {
		return e.model.setPagination(NextPage(e.model.state.Pagination, e.pageCount))
	})
}

// LastPage moves to the host's last page.
func (e *ServerEngine[T]) LastPage() {
	e.immediate("last_page", func() bool {
		return e.model.setPagination(LastPage(e.model.state.Pagination, e.pageCount))
	})
}

// SetPageSize changes the page size and returns to the first page.
func (e *ServerEngine[T]) SetPageSize(n int) {
	e.immediate("set_page_size", func() bool {
		return e.model.setPagination(SetPageSize(e.model.state.Pagination, n))
	})
}

// ToggleSort cycles the sort on columnID.
func (e *ServerEngine[T]) ToggleSort(columnID string) {
	e.immediate("toggle_sort", func() bool { return e.model.toggleSort(columnID) })
}

// SetSort replaces the sort descriptor; nil clears it.
func (e *ServerEngine[T]) SetSort(sd *model.SortDescriptor) {
	e.immediate("set_sort", func() bool { return e.model.setSort(sd) })
}

// SetColumnFilter sets the filter value for columnID. A nil or empty
// string value removes the filter.
func (e *ServerEngine[T]) SetColumnFilter(columnID string, value any) {
	e.debounced("set_filter", func() bool { return e.model.setColumnFilter(columnID, value) })
}

// RemoveFilter removes the filter on columnID.
func (e *ServerEngine[T]) RemoveFilter(columnID string) {
	e.debounced("remove_filter", func() bool { return e.model.removeFilter(columnID) })
}

// SetGlobalFilter sets the free-text query.
func (e *ServerEngine[T]) SetGlobalFilter(query string) {
	e.debounced("set_global_filter", func() bool { return e.model.setGlobalFilter(query) })
}

// ClearAll removes every column filter and the global query in one
// update.
func (e *ServerEngine[T]) ClearAll() {
	e.debounced("clear_filters", func() bool { return e.model.clearAll() })
}

// Flush delivers a pending debounced notification now. It reports whether
// one was pending.
func (e *ServerEngine[T]) Flush() bool {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed || !e.scheduler.Cancel(stateKey) {
		return false
	}
	e.emit()
	return true
}

// Pending reports whether a debounced notification is waiting.
func (e *ServerEngine[T]) Pending() bool {
	return e.scheduler.Pending(stateKey)
}

// Close cancels pending notifications. No callback fires afterwards.
func (e *ServerEngine[T]) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.scheduler.Close()
}

func (e *ServerEngine[T]) immediate(op string, mutate func() bool) {
	e.mu.Lock()
	if e.closed || !mutate() {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	// The emitted snapshot already carries any pending filter change.
	e.scheduler.Cancel(stateKey)
	e.logger.Debug("table state changed", zap.String("op", op), zap.Bool("debounced", false))
	e.emit()
}

func (e *ServerEngine[T]) debounced(op string, mutate func() bool) {
	e.mu.Lock()
	if e.closed || !mutate() {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.logger.Debug("table state changed", zap.String("op", op), zap.Bool("debounced", true))
	e.scheduler.Schedule(stateKey, op, e.delay)
}

// emit notifies the host with the current state under a new sequence
// token. The snapshot is taken at emission so a token never pairs with an
// older state.
func (e *ServerEngine[T]) emit() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.seq++
	seq := e.seq
	state := e.model.snapshot()
	e.mu.Unlock()

	if e.onChange != nil {
		e.onChange(state, seq)
	}
}
