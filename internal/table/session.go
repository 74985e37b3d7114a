package table

import "sync"

// PanelState is the visibility of a filter panel.
type PanelState string

const (
	PanelClosed PanelState = "closed"
	PanelOpen   PanelState = "open"
)

// FilterSession tracks whether a side panel hosting custom filter controls
// is open. It holds no filter values: the host stages edits itself and
// commits them from the onApply callback.
type FilterSession struct {
	mu           sync.Mutex
	state        PanelState
	closeOnReset bool
	onApply      func()
	onReset      func()
}

// SessionOption configures a FilterSession.
type SessionOption func(*FilterSession)

// WithOnApply sets the callback run by Apply before the panel closes.
func WithOnApply(fn func()) SessionOption {
	return func(s *FilterSession) { s.onApply = fn }
}

// WithOnReset sets the callback run by Reset.
func WithOnReset(fn func()) SessionOption {
	return func(s *FilterSession) { s.onReset = fn }
}

// WithCloseOnReset makes Reset close the panel after its callback.
func WithCloseOnReset(enabled bool) SessionOption {
	return func(s *FilterSession) { s.closeOnReset = enabled }
}

// NewFilterSession returns a closed session.
func NewFilterSession(opts ...SessionOption) *FilterSession {
	s := &FilterSession{state: PanelClosed}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *FilterSession) Open() {
	s.set(PanelOpen)
}

func (s *FilterSession) Close() {
	s.set(PanelClosed)
}

// Toggle flips the panel between open and closed.
func (s *FilterSession) Toggle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == PanelOpen {
		s.state = PanelClosed
	} else {
		s.state = PanelOpen
	}
}

func (s *FilterSession) IsOpen() bool {
	return s.State() == PanelOpen
}

func (s *FilterSession) State() PanelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Apply commits through the onApply callback, then closes the panel.
func (s *FilterSession) Apply() {
	if s.onApply != nil {
		s.onApply()
	}
	s.set(PanelClosed)
}

// Reset clears through the onReset callback. The panel stays open unless
// the session was built WithCloseOnReset(true).
func (s *FilterSession) Reset() {
	if s.onReset != nil {
		s.onReset()
	}
	if s.closeOnReset {
		s.set(PanelClosed)
	}
}

func (s *FilterSession) set(state PanelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}
