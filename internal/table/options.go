package table

import (
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/clock"
	"github.com/pitabwire/tabula/internal/debounce"
	"github.com/pitabwire/tabula/model"
)

// DefaultPageSize is used when no initial page size is given.
const DefaultPageSize = 10

// DefaultPageSizeOptions are offered when the host supplies none.
var DefaultPageSizeOptions = []int{10, 20, 50, 100}

// Option configures an engine.
type Option func(*engineOptions)

type engineOptions struct {
	logger          *zap.Logger
	pageSize        int
	pageSizeOptions []int
	sort            *model.SortDescriptor
	clock           clock.Clock
	debounce        time.Duration
	onCoalesce      func()
}

func defaultOptions() engineOptions {
	return engineOptions{
		logger:          zap.NewNop(),
		pageSize:        DefaultPageSize,
		pageSizeOptions: DefaultPageSizeOptions,
		clock:           clock.Real(),
		debounce:        debounce.DefaultDelay,
	}
}

func buildOptions(opts []Option) engineOptions {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the engine's logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *engineOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithInitialPageSize sets the page size of the initial state. Non-positive
// values are ignored.
func WithInitialPageSize(n int) Option {
	return func(o *engineOptions) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithPageSizeOptions sets the page sizes offered to the user.
func WithPageSizeOptions(sizes ...int) Option {
	return func(o *engineOptions) {
		valid := make([]int, 0, len(sizes))
		for _, s := range sizes {
			if s > 0 {
				valid = append(valid, s)
			}
		}
		if len(valid) > 0 {
			o.pageSizeOptions = valid
		}
	}
}

// WithInitialSort sets the sort of the initial state. It is ignored if the
// column is unknown or not sortable.
func WithInitialSort(sd model.SortDescriptor) Option {
	return func(o *engineOptions) { o.sort = &sd }
}

// WithClock sets the time source for debounce timers.
func WithClock(c clock.Clock) Option {
	return func(o *engineOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithDebounce sets the window for filter and search notifications in
// server mode. Zero disables debouncing.
func WithDebounce(d time.Duration) Option {
	return func(o *engineOptions) {
		if d >= 0 {
			o.debounce = d
		}
	}
}

// WithCoalesceHook registers a function called whenever a pending server
// mode notification is superseded before it fires.
func WithCoalesceHook(fn func()) Option {
	return func(o *engineOptions) { o.onCoalesce = fn }
}
