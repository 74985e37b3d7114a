// Package session hosts mounted tables for BFF clients. Each session owns
// a client or server engine, a filter panel and, for server-mode tables, a
// fetch loop that turns debounced state notifications into source queries.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/clock"
	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/datasource"
	"github.com/pitabwire/tabula/internal/metadata"
	"github.com/pitabwire/tabula/internal/table"
	"github.com/pitabwire/tabula/model"
)

// SourceProvider builds the data source of a table.
type SourceProvider interface {
	Source(def model.TableDefinition, columns []table.ColumnDef[model.Row], version string) (datasource.Source, error)
}

// Recorder receives session instrumentation. *observability.Metrics
// implements it.
type Recorder interface {
	SetActiveSessions(n int)
	RecordSessionAction(tableID, action string)
	RecordDebounceCoalesced(tableID string)
	RecordStaleResponse(tableID string)
}

type nopRecorder struct{}

func (nopRecorder) SetActiveSessions(int) {}
func (nopRecorder) RecordSessionAction(string, string) {}
func (nopRecorder) RecordDebounceCoalesced(string) {}
func (nopRecorder) RecordStaleResponse(string) {}

// Manager creates, tracks and expires table sessions.
type Manager struct {
	catalog  *metadata.Catalog
	sources  SourceProvider
	cfg      config.SessionsConfig
	clock    clock.Clock
	recorder Recorder
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for engine timers and idle expiry.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a session manager.
func NewManager(catalog *metadata.Catalog, sources SourceProvider, cfg config.SessionsConfig, opts ...Option) *Manager {
	m := &Manager{
		catalog:  catalog,
		sources:  sources,
		cfg:      cfg,
		clock:    clock.Real(),
		recorder: nopRecorder{},
		logger:   zap.NewNop(),
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(m)
	}
	if m.cfg.FetchTimeout <= 0 {
		m.cfg.FetchTimeout = 10 * time.Second
	}
	return m
}

// Create mounts tableID for the caller and loads its first window. The
// returned session is registered only when the load succeeds.
func (m *Manager) Create(ctx context.Context, rctx *model.RequestContext, tableID string) (*Session, error) {
	subject := subjectOf(rctx)
	if m.cfg.MaxPerSubject > 0 && m.countFor(subject) >= m.cfg.MaxPerSubject {
		return nil, model.NewSessionLimitError(m.cfg.MaxPerSubject)
	}

	resolved, err := m.catalog.Resolve(rctx, tableID)
	if err != nil {
		return nil, err
	}
	src, err := m.sources.Source(resolved.Definition, resolved.Columns, resolved.Version)
	if err != nil {
		return nil, fmt.Errorf("session: table %s: %w", tableID, err)
	}

	// Fetches outlive the creating request but keep its identity and trace.
	base, cancel := context.WithCancel(context.WithoutCancel(model.WithRequestContext(ctx, rctx)))
	s := &Session{
		id:           uuid.New().String(),
		subject:      subject,
		table:        resolved,
		source:       src,
		ctx:          base,
		cancel:       cancel,
		fetchTimeout: m.cfg.FetchTimeout,
		clock:        m.clock,
		recorder:     m.recorder,
		draft:        make(map[string]any),
	}
	s.logger = m.logger.With(
		zap.String("session_id", s.id),
		zap.String("table_id", tableID),
	)
	s.lastUsed = s.now()
	s.panel = table.NewFilterSession(
		table.WithOnApply(s.commitDraft),
		table.WithOnReset(s.resetDraft),
	)

	engineOpts := resolved.EngineOptions(
		table.WithClock(m.clock),
		table.WithLogger(s.logger),
		table.WithCoalesceHook(func() { m.recorder.RecordDebounceCoalesced(tableID) }),
	)
	if resolved.Definition.Mode == model.ModeServer {
		s.server = table.NewServerEngine(resolved.Columns, s.onStateChange, engineOpts...)
		s.engine = s.server
		s.server.SetLoading(true)
		err = s.fetch(s.server.State(), s.server.Seq())
	} else {
		s.client = table.NewClientEngine(resolved.Columns, nil, engineOpts...)
		s.engine = s.client
		err = s.loadAll()
	}
	if err != nil {
		s.Close()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	n := len(m.sessions)
	m.mu.Unlock()
	m.recorder.SetActiveSessions(n)

	s.logger.Info("table session mounted",
		zap.String("subject", subject),
		zap.String("mode", resolved.Definition.Mode),
	)
	return s, nil
}

// Get returns the caller's session. Sessions owned by other subjects are
// reported as not found.
func (m *Manager) Get(rctx *model.RequestContext, sessionID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok || s.subject != subjectOf(rctx) {
		return nil, model.NewSessionNotFoundError(sessionID)
	}
	s.touch()
	return s, nil
}

// Act applies action to the caller's session and returns its new view.
func (m *Manager) Act(rctx *model.RequestContext, sessionID string, action model.SessionAction) (model.SessionView, error) {
	s, err := m.Get(rctx, sessionID)
	if err != nil {
		return model.SessionView{}, err
	}
	if err := s.Apply(action); err != nil {
		return model.SessionView{}, err
	}
	m.recorder.RecordSessionAction(s.TableID(), action.Type)
	s.logger.Debug("table action applied", zap.String("action", action.Type))
	return s.View(), nil
}

// Close unmounts the caller's session.
func (m *Manager) Close(rctx *model.RequestContext, sessionID string) error {
	s, err := m.Get(rctx, sessionID)
	if err != nil {
		return err
	}
	m.remove(s, "closed")
	return nil
}

func (m *Manager) remove(s *Session, reason string) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	n := len(m.sessions)
	m.mu.Unlock()

	s.Close()
	m.recorder.SetActiveSessions(n)
	s.logger.Info("table session unmounted", zap.String("reason", reason))
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) countFor(subject string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.subject == subject {
			n++
		}
	}
	return n
}

// Sweep closes sessions idle for longer than the configured TTL and
// returns how many were closed.
func (m *Manager) Sweep() int {
	cutoff := m.clock.Now().UTC().Add(-m.cfg.IdleTTL)

	m.mu.Lock()
	var idle []*Session
	for _, s := range m.sessions {
		if s.idleSince().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		m.remove(s, "idle")
	}
	return len(idle)
}

// Run sweeps idle sessions until ctx is cancelled, then closes every
// session.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.CloseAll()
			return
		case <-ticker.C():
			if n := m.Sweep(); n > 0 {
				m.logger.Info("idle table sessions expired", zap.Int("count", n))
			}
		}
	}
}

// CloseAll unmounts every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		m.remove(s, "shutdown")
	}
}

func subjectOf(rctx *model.RequestContext) string {
	if rctx == nil || rctx.SubjectID == "" {
		return model.AnonymousSubject
	}
	return rctx.SubjectID
}
