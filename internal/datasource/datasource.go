// Package datasource fetches table rows from the configured backends:
// inline or file rows, SQLite, PostgreSQL, and HTTP services described by
// OpenAPI specs. Server-mode tables push the table state down to the
// source as a Query; client-mode tables read every row once.
package datasource

import (
	"context"
	"time"

	"github.com/pitabwire/tabula/model"
)

// Source reads rows for one table.
type Source interface {
	// Fetch returns the rows matching q. A zero Limit reads every row.
	Fetch(ctx context.Context, q model.Query) (model.Page, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, q model.Query) (model.Page, error)

// Fetch calls f.
func (f SourceFunc) Fetch(ctx context.Context, q model.Query) (model.Page, error) {
	return f(ctx, q)
}

// Recorder receives datasource instrumentation. *observability.Metrics
// implements it.
type Recorder interface {
	RecordBackendRequest(serviceID, operationID string, status int, duration time.Duration)
	SetBackendCircuitBreakerState(serviceID string, state float64)
	RecordSourceFetch(datasource, driver, status string, duration time.Duration)
	RecordPageCache(hit bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordBackendRequest(string, string, int, time.Duration) {}
func (nopRecorder) SetBackendCircuitBreakerState(string, float64)           {}
func (nopRecorder) RecordSourceFetch(string, string, string, time.Duration) {}
func (nopRecorder) RecordPageCache(bool)                                    {}
