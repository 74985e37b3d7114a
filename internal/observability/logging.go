package observability

import (
	"cmp"
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/model"
)

type loggerKey struct{}

// NewLogger builds the JSON logger written to cfg.LogOutput (stdout by
// default). An unknown level falls back to info.
//
// Levels: error for 5xx and infrastructure failures, warn for rejected
// requests and failed fetches, info for requests and session lifecycle,
// debug for table actions and debounced flushes.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if cfg.LogLevel != "" {
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			level.SetLevel(zapcore.InfoLevel)
		}
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	zc := zap.NewProductionConfig()
	zc.Level = level
	zc.Sampling = nil
	zc.EncoderConfig = enc
	zc.OutputPaths = []string{cmp.Or(cfg.LogOutput, "stdout")}
	return zc.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context's logger, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context's logger tagged with the caller's
// identity and correlation IDs.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := make([]zap.Field, 0, 4)
	fields = append(fields,
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	)
	if rctx.TenantID != "" {
		fields = append(fields, zap.String("tenant_id", rctx.TenantID))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// sensitiveColumns are column IDs whose filter values are never logged.
var sensitiveColumns = []string{
	"password", "secret", "token", "api_key", "authorization",
	"credit_card", "card_number", "ssn", "pin", "iban",
}

// IsSensitiveColumn reports whether filter values typed for columnID must
// be masked in logs. extra lists further column IDs from configuration.
func IsSensitiveColumn(columnID string, extra ...string) bool {
	id := strings.ToLower(columnID)
	for _, s := range sensitiveColumns {
		if id == s || strings.HasSuffix(id, "_"+s) {
			return true
		}
	}
	for _, s := range extra {
		if strings.EqualFold(columnID, s) {
			return true
		}
	}
	return false
}

const redacted = "[REDACTED]"

// StateField logs the shape of a table state. Column filter values are
// included unless the column is sensitive; the global query is logged by
// length only.
func StateField(state model.TableState, sensitive ...string) zap.Field {
	return zap.Object("state", stateMarshaler{state: state, sensitive: sensitive})
}

type stateMarshaler struct {
	state     model.TableState
	sensitive []string
}

func (m stateMarshaler) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	s := m.state
	enc.AddInt("page_index", s.Pagination.PageIndex)
	enc.AddInt("page_size", s.Pagination.PageSize)
	if s.Sort != nil {
		enc.AddString("sort", s.Sort.ColumnID+" "+string(s.Sort.Direction))
	}
	if len(s.ColumnFilters) > 0 {
		err := enc.AddObject("filters", zapcore.ObjectMarshalerFunc(func(fe zapcore.ObjectEncoder) error {
			for _, f := range s.ColumnFilters {
				if IsSensitiveColumn(f.ColumnID, m.sensitive...) {
					fe.AddString(f.ColumnID, redacted)
					continue
				}
				if err := fe.AddReflected(f.ColumnID, f.Value); err != nil {
					return err
				}
			}
			return nil
		}))
		if err != nil {
			return err
		}
	}
	if q := s.GlobalFilter.Query; q != "" {
		enc.AddInt("query_len", len(q))
	}
	return nil
}

// ActionField logs a session action, masking values typed for sensitive
// columns.
func ActionField(a model.SessionAction, sensitive ...string) zap.Field {
	return zap.Object("action", zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
		enc.AddString("type", a.Type)
		if a.ColumnID != "" {
			enc.AddString("column_id", a.ColumnID)
			if a.Value != nil {
				if IsSensitiveColumn(a.ColumnID, sensitive...) {
					enc.AddString("value", redacted)
				} else if err := enc.AddReflected("value", a.Value); err != nil {
					return err
				}
			}
		}
		if a.PageSize != 0 {
			enc.AddInt("page_size", a.PageSize)
		}
		if a.Query != "" {
			enc.AddInt("query_len", len(a.Query))
		}
		return nil
	}))
}
