// Package tui is a terminal viewer for a single table. It drives a client
// engine from a bubbletea program: keys map to engine operations, and the
// search box is debounced before its text reaches the engine.
//
// Debounce timers fire on their own goroutine, so flushes are forwarded
// into the program's event loop through the sender given to Attach
// (normally tea.Program.Send) and applied in Update.
package tui

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/clock"
	"github.com/pitabwire/tabula/internal/debounce"
	"github.com/pitabwire/tabula/internal/table"
	"github.com/pitabwire/tabula/model"
)

// searchKey is the scheduler key of the search box.
const searchKey = "global"

const loadTimeout = 30 * time.Second

// LoadFunc reads the full dataset of the table.
type LoadFunc func(ctx context.Context) ([]model.Row, error)

type rowsLoadedMsg struct{ rows []model.Row }

type loadFailedMsg struct{ err error }

// searchFlushMsg carries a debounced search query into Update.
type searchFlushMsg struct{ query string }

// dispatcher hands messages from timer goroutines to the program. It is
// shared by every copy of the Model.
type dispatcher struct {
	mu     sync.Mutex
	send   func(tea.Msg)
	logger *zap.Logger
}

func (d *dispatcher) attach(send func(tea.Msg)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.send = send
}

func (d *dispatcher) dispatch(msg tea.Msg) {
	d.mu.Lock()
	send := d.send
	d.mu.Unlock()
	if send == nil {
		d.logger.Debug("no program attached, message dropped")
		return
	}
	send(msg)
}

// Option configures a Model.
type Option func(*Model)

// WithKeyMap replaces the default key bindings.
func WithKeyMap(k KeyMap) Option {
	return func(m *Model) { m.keys = k }
}

// WithTheme replaces the default colors.
func WithTheme(t Theme) Option {
	return func(m *Model) { m.theme = t }
}

// WithSearchDelay sets the debounce window of the search box. Zero applies
// every keystroke immediately.
func WithSearchDelay(d time.Duration) Option {
	return func(m *Model) {
		if d >= 0 {
			m.delay = d
		}
	}
}

// WithClock sets the time source of the search debounce.
func WithClock(c clock.Clock) Option {
	return func(m *Model) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLoader sets the function that (re)loads the dataset. Without one the
// engine's current data is shown as-is.
func WithLoader(fn LoadFunc) Option {
	return func(m *Model) { m.load = fn }
}

// WithLogger sets the logger. A terminal program should log to a file or
// not at all.
func WithLogger(l *zap.Logger) Option {
	return func(m *Model) {
		if l != nil {
			m.logger = l
		}
	}
}

// Model is the bubbletea model of the table viewer.
type Model struct {
	title   string
	engine  *table.ClientEngine[model.Row]
	columns []table.ColumnDef[model.Row]
	load    LoadFunc

	search    textinput.Model
	searching bool
	scheduler *debounce.Scheduler[string]
	dispatch  *dispatcher
	delay     time.Duration
	clock     clock.Clock

	// focus is the index of the column that sort acts on.
	focus   int
	result  table.Result[model.Row]
	loading bool
	err     error

	keys   KeyMap
	theme  Theme
	styles styles
	help   help.Model
	logger *zap.Logger

	width  int
	height int
}

// New creates a viewer over engine. The engine stays owned by the caller.
func New(title string, engine *table.ClientEngine[model.Row], opts ...Option) Model {
	m := Model{
		title:   title,
		engine:  engine,
		columns: engine.Columns(),
		delay:   debounce.DefaultDelay,
		clock:   clock.Real(),
		keys:    DefaultKeyMap,
		theme:   DefaultTheme,
		help:    help.New(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	m.styles = newStyles(m.theme)

	m.search = textinput.New()
	m.search.Prompt = "/ "
	m.search.Placeholder = "search all columns"
	m.search.CharLimit = 256
	m.search.SetValue(engine.State().GlobalFilter.Query)

	d := &dispatcher{logger: m.logger}
	m.dispatch = d
	m.scheduler = debounce.New(func(_ string, query string) {
		d.dispatch(searchFlushMsg{query: query})
	}, debounce.WithClock(m.clock))

	m.loading = m.load != nil
	m.result = engine.Result()
	return m
}

// Attach sets the function used to deliver debounced updates to the
// running program, typically tea.Program.Send.
func (m Model) Attach(send func(tea.Msg)) {
	m.dispatch.attach(send)
}

// Close cancels any pending search update.
func (m Model) Close() {
	m.scheduler.Close()
}

// Init starts the initial load when a loader is configured.
func (m Model) Init() tea.Cmd {
	if m.load == nil {
		return nil
	}
	return m.loadRows()
}

func (m Model) loadRows() tea.Cmd {
	load := m.load
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
		defer cancel()
		rows, err := load(ctx)
		if err != nil {
			return loadFailedMsg{err: err}
		}
		return rowsLoadedMsg{rows: rows}
	}
}

// Update applies one message.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.search.Width = max(msg.Width-len(m.search.Prompt)-1, 10)
		m.help.Width = msg.Width
		return m, nil

	case rowsLoadedMsg:
		m.loading = false
		m.err = nil
		m.engine.SetData(msg.rows)
		m.result = m.engine.Result()
		m.logger.Debug("rows loaded", zap.Int("rows", len(msg.rows)))
		return m, nil

	case loadFailedMsg:
		m.loading = false
		m.err = msg.err
		m.logger.Warn("row load failed", zap.Error(msg.err))
		return m, nil

	case searchFlushMsg:
		// A flush queued before the box was cleared or committed is stale.
		if msg.query != m.search.Value() {
			return m, nil
		}
		m.engine.SetGlobalFilter(msg.query)
		m.result = m.engine.Result()
		return m, nil

	case tea.KeyMsg:
		if m.searching {
			return m.updateSearch(msg)
		}
		return m.updateTable(msg)
	}
	return m, nil
}

func (m Model) updateSearch(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case msg.String() == "ctrl+c":
		return m.quit()
	case key.Matches(msg, m.keys.SearchCommit):
		m.scheduler.Cancel(searchKey)
		m.engine.SetGlobalFilter(m.search.Value())
		m.result = m.engine.Result()
		m.blurSearch()
		return m, nil
	case key.Matches(msg, m.keys.SearchCancel):
		m.blurSearch()
		return m, nil
	}

	before := m.search.Value()
	var cmd tea.Cmd
	m.search, cmd = m.search.Update(msg)
	if after := m.search.Value(); after != before {
		m.scheduler.Schedule(searchKey, after, m.delay)
	}
	return m, cmd
}

func (m Model) updateTable(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m.quit()
	case key.Matches(msg, m.keys.NextPage):
		m.engine.NextPage()
	case key.Matches(msg, m.keys.PreviousPage):
		m.engine.PreviousPage()
	case key.Matches(msg, m.keys.FirstPage):
		m.engine.FirstPage()
	case key.Matches(msg, m.keys.LastPage):
		m.engine.LastPage()
	case key.Matches(msg, m.keys.NextColumn):
		m.moveFocus(1)
	case key.Matches(msg, m.keys.PreviousColumn):
		m.moveFocus(-1)
	case key.Matches(msg, m.keys.SortToggle):
		if col, ok := m.focusedColumn(); ok {
			m.engine.ToggleSort(col.ID)
		}
	case key.Matches(msg, m.keys.PageSize):
		m.engine.SetPageSize(nextPageSize(m.engine.PageSizeOptions(), m.result.State.Pagination.PageSize))
	case key.Matches(msg, m.keys.Search):
		m.searching = true
		cmd = m.search.Focus()
	case key.Matches(msg, m.keys.ClearFilters):
		m.scheduler.Cancel(searchKey)
		m.search.SetValue("")
		m.engine.ClearAll()
	case key.Matches(msg, m.keys.Reload):
		if m.load != nil {
			m.loading = true
			cmd = m.loadRows()
		}
	}
	m.result = m.engine.Result()
	return m, cmd
}

func (m *Model) blurSearch() {
	m.searching = false
	m.search.Blur()
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	m.scheduler.Close()
	return m, tea.Quit
}

func (m *Model) moveFocus(delta int) {
	n := len(m.columns)
	if n == 0 {
		return
	}
	m.focus = ((m.focus+delta)%n + n) % n
}

func (m Model) focusedColumn() (table.ColumnDef[model.Row], bool) {
	if m.focus < 0 || m.focus >= len(m.columns) {
		return table.ColumnDef[model.Row]{}, false
	}
	return m.columns[m.focus], true
}

// nextPageSize returns the option after current, wrapping to the first.
func nextPageSize(options []int, current int) int {
	if len(options) == 0 {
		return current
	}
	sorted := slices.Sorted(slices.Values(options))
	for _, o := range sorted {
		if o > current {
			return o
		}
	}
	return sorted[0]
}
