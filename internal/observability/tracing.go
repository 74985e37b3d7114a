package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/model"
)

const tracerName = "github.com/pitabwire/tabula"

// Span attributes of table operations.
var (
	AttrTableID   = attribute.Key("tabula.table_id")
	AttrSessionID = attribute.Key("tabula.session_id")
	AttrAction    = attribute.Key("tabula.action")
	AttrMode      = attribute.Key("tabula.mode")
	AttrTenantID  = attribute.Key("tabula.tenant_id")
	AttrSubjectID = attribute.Key("tabula.subject_id")
	AttrErrorCode = attribute.Key("tabula.error_code")
	AttrPageIndex = attribute.Key("tabula.page_index")
	AttrPageSize  = attribute.Key("tabula.page_size")
	AttrSort      = attribute.Key("tabula.sort")
	AttrFilters   = attribute.Key("tabula.filter_count")
)

// Tracing exporters.
const (
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
)

// InitTracing installs a global tracer provider exporting through the
// configured exporter, and W3C trace context and baggage propagators. The
// returned func flushes buffered spans and is safe to call when tracing is
// disabled.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SamplingRate)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", ExporterOTLP:
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("tracing: otlp exporter: %w", err)
		}
		return exp, nil
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	return nil, fmt.Errorf("tracing: exporter %q is not one of %s, %s", cfg.Exporter, ExporterOTLP, ExporterStdout)
}

// newSampler samples root spans at rate, 0.1 when unset, and follows the
// parent's decision otherwise.
func newSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		rate = 0.1
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns the service tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan ends span. A non-nil err is recorded with its error code; only
// internal and datasource failures mark the span as failed, since rejected
// requests are the caller's fault.
func EndSpan(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		return
	}
	span.RecordError(err)
	code := model.CodeOf(err)
	if code != "" {
		span.SetAttributes(AttrErrorCode.String(code))
	}
	switch code {
	case "", model.ErrInternalError, model.ErrBackendUnavailable, model.ErrBackendTimeout:
		span.SetStatus(codes.Error, err.Error())
	}
}

// AnnotateState records the table window a span worked on.
func AnnotateState(span trace.Span, state model.TableState) {
	attrs := []attribute.KeyValue{
		AttrPageIndex.Int(state.Pagination.PageIndex),
		AttrPageSize.Int(state.Pagination.PageSize),
		AttrFilters.Int(len(state.ColumnFilters)),
	}
	if state.Sort != nil {
		attrs = append(attrs, AttrSort.String(state.Sort.ColumnID+" "+string(state.Sort.Direction)))
	}
	span.SetAttributes(attrs...)
}

// AnnotateRequest tags the request span in ctx with the caller.
func AnnotateRequest(ctx context.Context, rctx *model.RequestContext) {
	if rctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(AttrSubjectID.String(rctx.SubjectID))
	if rctx.TenantID != "" {
		span.SetAttributes(AttrTenantID.String(rctx.TenantID))
	}
}

// TraceIDFromContext returns the active trace ID, or "".
func TraceIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// TraceRequests starts a server span per request, continuing any inbound
// traceparent. Once chi has routed the request the span is renamed to the
// route pattern so table and session IDs stay out of span names.
func TraceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				span.SetName(r.Method + " " + pattern)
				span.SetAttributes(semconv.HTTPRoute(pattern))
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		span.SetAttributes(semconv.HTTPResponseStatusCode(status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	})
}
