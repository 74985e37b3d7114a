package definition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/clock"
	"github.com/pitabwire/tabula/internal/openapi"
)

// ErrInvalidDefinitions is returned by Reload when the new definitions
// fail validation. The registry keeps its previous contents.
var ErrInvalidDefinitions = errors.New("definitions failed validation")

// ReloadRecorder receives reload outcomes: "success", "unchanged" or
// "failure".
type ReloadRecorder interface {
	RecordDefinitionReload(status string)
}

type nopReloadRecorder struct{}

func (nopReloadRecorder) RecordDefinitionReload(string) {}

// Reloader re-reads definition directories and swaps the registry contents
// when their checksum changes.
type Reloader struct {
	loader      *Loader
	validator   *Validator
	registry    *Registry
	index       *openapi.Index
	directories []string
	clock       clock.Clock
	recorder    ReloadRecorder
	logger      *zap.Logger
	onChange    []func()
}

// NewReloader creates a Reloader for the given registry.
func NewReloader(registry *Registry, validator *Validator, index *openapi.Index, directories []string, logger *zap.Logger) *Reloader {
	return &Reloader{
		loader:      NewLoader(),
		validator:   validator,
		registry:    registry,
		index:       index,
		directories: directories,
		clock:       clock.Real(),
		recorder:    nopReloadRecorder{},
		logger:      logger,
	}
}

// WithClock replaces the clock driving Run.
func (r *Reloader) WithClock(c clock.Clock) *Reloader {
	r.clock = c
	return r
}

// WithLoader replaces the definition loader, for example with a strict one.
func (r *Reloader) WithLoader(l *Loader) *Reloader {
	r.loader = l
	return r
}

// WithRecorder sets the reload metrics recorder.
func (r *Reloader) WithRecorder(rec ReloadRecorder) *Reloader {
	r.recorder = rec
	return r
}

// OnChange registers fn to run after each successful swap.
func (r *Reloader) OnChange(fn func()) {
	r.onChange = append(r.onChange, fn)
}

// Reload loads and validates all definitions. It reports whether the
// registry contents changed.
func (r *Reloader) Reload() (bool, error) {
	changed, err := r.reload()
	switch {
	case err != nil:
		r.recorder.RecordDefinitionReload("failure")
	case changed:
		r.recorder.RecordDefinitionReload("success")
	default:
		r.recorder.RecordDefinitionReload("unchanged")
	}
	return changed, err
}

func (r *Reloader) reload() (bool, error) {
	defs, err := r.loader.LoadAll(r.directories)
	if err != nil {
		return false, fmt.Errorf("loading definitions: %w", err)
	}

	if verrs := r.validator.Validate(defs, r.index); len(verrs) > 0 {
		for _, ve := range verrs {
			r.logger.Warn("definition validation error",
				zap.String("path", ve.Path),
				zap.String("code", ve.Code),
				zap.String("message", ve.Message),
			)
		}
		return false, fmt.Errorf("%w: %d errors", ErrInvalidDefinitions, len(verrs))
	}

	if !r.registry.Replace(defs) {
		return false, nil
	}
	r.logger.Info("definitions reloaded",
		zap.Int("domains", len(defs)),
		zap.Int("tables", r.registry.Len()),
		zap.String("checksum", r.registry.Checksum()),
	)
	for _, fn := range r.onChange {
		fn()
	}
	return true, nil
}

// Run calls Reload every interval until ctx is done.
func (r *Reloader) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if _, err := r.Reload(); err != nil {
				r.logger.Error("definition reload failed", zap.Error(err))
			}
		}
	}
}
