package session

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/clock"
	"github.com/pitabwire/tabula/internal/datasource"
	"github.com/pitabwire/tabula/internal/metadata"
	"github.com/pitabwire/tabula/internal/table"
	"github.com/pitabwire/tabula/model"
)

// Action types.
const (
	ActionFirstPage       = "first_page"
	ActionPreviousPage    = "previous_page"
	ActionNextPage        = "next_page"
	ActionLastPage        = "last_page"
	ActionSetPageSize     = "set_page_size"
	ActionToggleSort      = "toggle_sort"
	ActionSetFilter       = "set_filter"
	ActionRemoveFilter    = "remove_filter"
	ActionSetGlobalFilter = "set_global_filter"
	ActionClearFilters    = "clear_filters"
	ActionOpenPanel       = "open_panel"
	ActionClosePanel      = "close_panel"
	ActionTogglePanel     = "toggle_panel"
	ActionStageFilter     = "stage_filter"
	ActionApplyPanel      = "apply_panel"
	ActionResetPanel      = "reset_panel"
	ActionRefresh         = "refresh"
	ActionFlush           = "flush"
)

// engine is the state surface shared by client and server engines.
type engine interface {
	State() model.TableState
	ActiveFilters() []model.ActiveFilterView
	FirstPage()
	PreviousPage()
	NextPage()
	LastPage()
	SetPageSize(n int)
	ToggleSort(columnID string)
	SetColumnFilter(columnID string, value any)
	RemoveFilter(columnID string)
	SetGlobalFilter(query string)
	ClearAll()
	Close()
}

// Session is one mounted table. Client-mode sessions hold every row and
// compute windows in memory; server-mode sessions fetch each window from
// the table's source, keeping only the newest response.
type Session struct {
	id      string
	subject string
	table   metadata.ResolvedTable
	source  datasource.Source

	engine engine
	client *table.ClientEngine[model.Row]
	server *table.ServerEngine[model.Row]
	panel  *table.FilterSession

	ctx          context.Context
	cancel       context.CancelFunc
	fetchTimeout time.Duration
	fetches      fetchGroup
	resolved     atomic.Uint64
	clock        clock.Clock
	recorder     Recorder
	logger       *zap.Logger

	mu        sync.Mutex
	draft     map[string]any
	lastErr   string
	updatedAt time.Time
	lastUsed  time.Time
	closed    bool
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// TableID returns the mounted table's identifier.
func (s *Session) TableID() string { return s.table.Definition.ID }

// Subject returns the owning subject.
func (s *Session) Subject() string { return s.subject }

func (s *Session) isServer() bool { return s.server != nil }

// loadAll reads every row for a client-mode session.
func (s *Session) loadAll() error {
	ctx, cancel := context.WithTimeout(s.ctx, s.fetchTimeout)
	defer cancel()

	page, err := s.source.Fetch(ctx, model.Query{})
	if err != nil {
		s.setError(err)
		return err
	}
	s.client.SetData(page.Rows)
	s.setError(nil)
	return nil
}

// onStateChange is the server engine's notification callback.
func (s *Session) onStateChange(state model.TableState, seq uint64) {
	s.server.SetLoading(true)
	s.fetches.add()
	go func() {
		defer s.fetches.done()
		_ = s.fetch(state, seq)
	}()
}

// fetch loads the window for state and hands it to the engine, which
// drops it if a newer notification has been issued.
func (s *Session) fetch(state model.TableState, seq uint64) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.fetchTimeout)
	defer cancel()

	q := datasource.QueryFor(s.table.Definition, state)
	page, err := s.source.Fetch(ctx, q)
	if s.isClosed() {
		return nil
	}
	if err != nil {
		s.logger.Warn("table fetch failed", zap.Uint64("seq", seq), zap.Error(err))
		if s.server.Seq() == seq {
			s.server.SetLoading(false)
			s.setError(err)
		}
		return err
	}

	size := state.Pagination.PageSize
	pageCount := pageCountFor(page.Total, state.Pagination.PageIndex, size, len(page.Rows))
	if !s.server.Resolve(seq, page.Rows, pageCount) {
		s.recorder.RecordStaleResponse(s.TableID())
		// A late notification may have raised the flag after the newest
		// response already landed.
		if s.resolved.Load() >= s.server.Seq() {
			s.server.SetLoading(false)
		}
		return nil
	}
	s.resolved.Store(seq)
	s.server.SetTotalRows(page.Total)
	s.setError(nil)
	return nil
}

// fetchGroup counts in-flight fetches. Unlike sync.WaitGroup it allows
// add to race with wait, which happens when a debounce timer fires while
// Flush is waiting.
type fetchGroup struct {
	mu   sync.Mutex
	idle sync.Cond
	n    int
}

func (g *fetchGroup) add() {
	g.mu.Lock()
	g.n++
	g.mu.Unlock()
}

func (g *fetchGroup) done() {
	g.mu.Lock()
	g.n--
	if g.n == 0 && g.idle.L != nil {
		g.idle.Broadcast()
	}
	g.mu.Unlock()
}

// wait blocks until no fetch is in flight.
func (g *fetchGroup) wait() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idle.L == nil {
		g.idle.L = &g.mu
	}
	for g.n > 0 {
		g.idle.Wait()
	}
}

// pageCountFor derives the page count from a source total. Without a total
// the next page is assumed to exist when this one came back full.
func pageCountFor(total, pageIndex, pageSize, rows int) int {
	if total >= 0 {
		return table.PageCount(total, pageSize)
	}
	switch {
	case rows == 0:
		return pageIndex
	case rows >= pageSize:
		return pageIndex + 2
	default:
		return pageIndex + 1
	}
}

// Apply runs one action against the session.
func (s *Session) Apply(action model.SessionAction) error {
	if s.isClosed() {
		return model.NewSessionClosedError(s.id)
	}
	s.touch()

	e := s.engine
	switch action.Type {
	case ActionFirstPage:
		e.FirstPage()
	case ActionPreviousPage:
		e.PreviousPage()
	case ActionNextPage:
		e.NextPage()
	case ActionLastPage:
		e.LastPage()
	case ActionSetPageSize:
		if !slices.Contains(s.table.PageSizeOptions, action.PageSize) {
			return model.NewBadRequestError("page_size must be one of the table's page size options")
		}
		e.SetPageSize(action.PageSize)
	case ActionToggleSort:
		e.ToggleSort(action.ColumnID)
	case ActionSetFilter:
		if isEmpty(action.Value) {
			e.RemoveFilter(action.ColumnID)
		} else {
			e.SetColumnFilter(action.ColumnID, action.Value)
		}
	case ActionRemoveFilter:
		e.RemoveFilter(action.ColumnID)
	case ActionSetGlobalFilter:
		e.SetGlobalFilter(action.Query)
	case ActionClearFilters:
		e.ClearAll()
	case ActionOpenPanel:
		s.seedDraft()
		s.panel.Open()
	case ActionClosePanel:
		s.panel.Close()
	case ActionTogglePanel:
		if !s.panel.IsOpen() {
			s.seedDraft()
		}
		s.panel.Toggle()
	case ActionStageFilter:
		if action.ColumnID == "" {
			return model.NewBadRequestError("column_id is required")
		}
		s.mu.Lock()
		s.draft[action.ColumnID] = action.Value
		s.mu.Unlock()
	case ActionApplyPanel:
		s.panel.Apply()
	case ActionResetPanel:
		s.panel.Reset()
	case ActionRefresh:
		return s.refresh()
	case ActionFlush:
		s.Flush()
	default:
		return model.NewUnknownActionError(action.Type)
	}
	return nil
}

// seedDraft starts the panel draft from the active column filters.
func (s *Session) seedDraft() {
	state := s.engine.State()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft = make(map[string]any, len(state.ColumnFilters))
	for _, f := range state.ColumnFilters {
		s.draft[f.ColumnID] = f.Value
	}
}

// commitDraft is the panel's apply callback.
func (s *Session) commitDraft() {
	s.mu.Lock()
	draft := s.draft
	s.draft = make(map[string]any)
	s.mu.Unlock()

	for _, columnID := range slices.Sorted(maps.Keys(draft)) {
		if v := draft[columnID]; isEmpty(v) {
			s.engine.RemoveFilter(columnID)
		} else {
			s.engine.SetColumnFilter(columnID, v)
		}
	}
}

// resetDraft is the panel's reset callback.
func (s *Session) resetDraft() {
	s.mu.Lock()
	s.draft = make(map[string]any)
	s.mu.Unlock()
	s.engine.ClearAll()
}

func (s *Session) refresh() error {
	if !s.isServer() {
		return s.loadAll()
	}
	s.onStateChange(s.server.State(), s.server.Seq())
	return nil
}

// Flush delivers a pending debounced change now and waits for in-flight
// fetches.
func (s *Session) Flush() {
	if s.isServer() {
		s.server.Flush()
	}
	s.fetches.wait()
}

// View returns the session as seen by the frontend.
func (s *Session) View() model.SessionView {
	v := model.SessionView{
		ID:            s.id,
		TableID:       s.TableID(),
		Mode:          s.table.Definition.Mode,
		ActiveFilters: s.engine.ActiveFilters(),
		Panel:         model.PanelView{Open: s.panel.IsOpen()},
	}

	if s.isServer() {
		sv := s.server.View()
		v.Status = string(sv.Status)
		v.Rows = sv.Rows
		v.TotalRows = sv.TotalRows
		v.PageCount = sv.PageCount
		v.State = sv.State
		v.Summary = sv.Summary
		v.Seq = sv.Seq
	} else {
		r := s.client.Result()
		v.Status = string(table.StatusReady)
		if len(r.Rows) == 0 {
			v.Status = string(table.StatusEmpty)
		}
		v.Rows = r.Rows
		v.TotalRows = r.TotalRows
		v.PageCount = r.PageCount
		v.State = r.State
		v.Summary = r.Summary
	}
	if v.Rows == nil {
		v.Rows = []model.Row{}
	}

	s.mu.Lock()
	v.Panel.Draft = maps.Clone(s.draft)
	v.Error = s.lastErr
	v.UpdatedAt = s.updatedAt
	s.mu.Unlock()
	return v
}

// Close unmounts the session: pending debounce timers are cancelled and
// in-flight fetches abandoned.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.engine.Close()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = s.now()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

func (s *Session) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updatedAt = s.now()
	if err == nil {
		s.lastErr = ""
		return
	}
	if env, ok := err.(*model.ErrorEnvelope); ok {
		s.lastErr = env.Message
	} else {
		s.lastErr = "The table data could not be loaded"
	}
}

func (s *Session) now() time.Time {
	return s.clock.Now().UTC()
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	}
	return false
}
