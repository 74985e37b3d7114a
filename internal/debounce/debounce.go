// Package debounce coalesces rapid keyed updates into a single delayed
// flush carrying the latest value.
package debounce

import (
	"sync"
	"time"

	"github.com/pitabwire/tabula/internal/clock"
)

// DefaultDelay is the coalescing window for free-text and column filter
// input.
const DefaultDelay = 300 * time.Millisecond

// Scheduler delays flushes per key. Each Schedule call for a key replaces
// the pending value and restarts the window; only the value present when
// the window expires is flushed.
type Scheduler[V any] struct {
	mu       sync.Mutex
	clock    clock.Clock
	flush    func(key string, value V)
	coalesce func(key string)
	pending  map[string]*entry[V]
	seq      uint64
	closed   bool
}

type entry[V any] struct {
	value V
	gen   uint64
	timer clock.Timer
}

// Option configures a Scheduler.
type Option func(*options)

type options struct {
	clock    clock.Clock
	coalesce func(key string)
}

// WithClock sets the time source. Defaults to clock.Real().
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithCoalesceHook registers a function called each time a pending value
// is replaced before it could flush.
func WithCoalesceHook(fn func(key string)) Option {
	return func(o *options) { o.coalesce = fn }
}

// New creates a Scheduler that calls flush when a key's window expires.
// flush runs on the clock's timer goroutine, never under the scheduler's
// lock.
func New[V any](flush func(key string, value V), opts ...Option) *Scheduler[V] {
	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Scheduler[V]{
		clock:    o.clock,
		flush:    flush,
		coalesce: o.coalesce,
		pending:  make(map[string]*entry[V]),
	}
}

// Schedule records value as the latest for key and restarts its window.
// A non-positive delay flushes immediately, superseding anything pending.
func (s *Scheduler[V]) Schedule(key string, value V, delay time.Duration) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	replaced := false
	if e, ok := s.pending[key]; ok {
		e.timer.Stop()
		replaced = true
		delete(s.pending, key)
	}
	s.seq++
	gen := s.seq

	if delay <= 0 {
		s.mu.Unlock()
		if replaced && s.coalesce != nil {
			s.coalesce(key)
		}
		s.flush(key, value)
		return
	}

	e := &entry[V]{value: value, gen: gen}
	s.pending[key] = e
	e.timer = s.clock.AfterFunc(delay, func() { s.fire(key, gen) })
	s.mu.Unlock()

	if replaced && s.coalesce != nil {
		s.coalesce(key)
	}
}

func (s *Scheduler[V]) fire(key string, gen uint64) {
	s.mu.Lock()
	e, ok := s.pending[key]
	if !ok || e.gen != gen || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	value := e.value
	s.mu.Unlock()

	s.flush(key, value)
}

// Cancel drops the pending value for key without flushing it. It reports
// whether anything was pending.
func (s *Scheduler[V]) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.pending, key)
	return true
}

// CancelAll drops every pending value without flushing.
func (s *Scheduler[V]) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.pending {
		e.timer.Stop()
		delete(s.pending, key)
	}
}

// Close cancels everything and makes later Schedule calls no-ops.
func (s *Scheduler[V]) Close() {
	s.CancelAll()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Pending reports whether key has a value waiting to flush.
func (s *Scheduler[V]) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Len returns the number of keys with a pending flush.
func (s *Scheduler[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
