package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tabula"

// unmatchedRoute labels requests no route matched, keeping raw paths out of
// label values.
const unmatchedRoute = "unmatched"

var (
	latencyBuckets      = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	responseSizeBuckets = prometheus.ExponentialBuckets(256, 4, 7)
)

// Metrics records the service's Prometheus series. It satisfies the
// recorder interfaces of the datasource, session and definition packages.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequests     *prometheus.CounterVec
	httpLatency      *prometheus.HistogramVec
	httpResponseSize *prometheus.HistogramVec

	sessionsActive   prometheus.Gauge
	sessionActions   *prometheus.CounterVec
	debounceCoalesce *prometheus.CounterVec
	staleResponses   *prometheus.CounterVec

	sourceFetches  *prometheus.CounterVec
	sourceLatency  *prometheus.HistogramVec
	backendCalls   *prometheus.CounterVec
	backendLatency *prometheus.HistogramVec
	breakerState   *prometheus.GaugeVec
	pageCache      *prometheus.CounterVec

	reloads         *prometheus.CounterVec
	tablesLoaded    prometheus.Gauge
	operationsIndex prometheus.Gauge
}

// NewMetrics registers the service's series, the Go runtime and process
// collectors, and a build info gauge on reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Always 1; labelled with the running build.",
	}, []string{"version", "commit"}).WithLabelValues(Version, Commit).Set(1)

	return &Metrics{
		gatherer: reg,

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: latencyBuckets,
		}, []string{"method", "route"}),
		httpResponseSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "response_size_bytes",
			Help:    "HTTP response body size by route.",
			Buckets: responseSizeBuckets,
		}, []string{"method", "route"}),

		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sessions", Name: "active",
			Help: "Mounted table sessions.",
		}),
		sessionActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "actions_total",
			Help: "Table actions applied to sessions.",
		}, []string{"table_id", "action"}),
		debounceCoalesce: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "debounce", Name: "coalesced_total",
			Help: "Filter changes superseded before their quiet period ended.",
		}, []string{"table_id"}),
		staleResponses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stale_responses_total",
			Help: "Server responses dropped because a newer request was issued.",
		}, []string{"table_id"}),

		sourceFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "source", Name: "fetches_total",
			Help: "Datasource fetches by outcome.",
		}, []string{"datasource", "driver", "status"}),
		sourceLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "source", Name: "fetch_duration_seconds",
			Help:    "Datasource fetch latency.",
			Buckets: latencyBuckets,
		}, []string{"datasource", "driver"}),
		backendCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "backend", Name: "requests_total",
			Help: "Backend service requests by status; 0 means no response.",
		}, []string{"service_id", "operation_id", "status"}),
		backendLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "backend", Name: "request_duration_seconds",
			Help:    "Backend service request latency.",
			Buckets: latencyBuckets,
		}, []string{"service_id"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "backend", Name: "circuit_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"service_id"}),
		pageCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "page_cache", Name: "lookups_total",
			Help: "Page cache lookups by result.",
		}, []string{"result"}),

		reloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "definition", Name: "reloads_total",
			Help: "Definition reloads by outcome.",
		}, []string{"status"}),
		tablesLoaded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tables_loaded",
			Help: "Table definitions currently served.",
		}),
		operationsIndex: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "openapi", Name: "operations_indexed",
			Help: "Backend operations indexed from OpenAPI documents.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Instrument records the count, latency and response size of each request,
// labelled with the matched chi route pattern.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := unmatchedRoute
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		m.httpResponseSize.WithLabelValues(r.Method, route).Observe(float64(ww.BytesWritten()))
	})
}

func (m *Metrics) SetActiveSessions(n int) { m.sessionsActive.Set(float64(n)) }

func (m *Metrics) RecordSessionAction(tableID, action string) {
	m.sessionActions.WithLabelValues(tableID, action).Inc()
}

func (m *Metrics) RecordDebounceCoalesced(tableID string) {
	m.debounceCoalesce.WithLabelValues(tableID).Inc()
}

func (m *Metrics) RecordStaleResponse(tableID string) {
	m.staleResponses.WithLabelValues(tableID).Inc()
}

func (m *Metrics) RecordSourceFetch(datasource, driver, status string, d time.Duration) {
	m.sourceFetches.WithLabelValues(datasource, driver, status).Inc()
	m.sourceLatency.WithLabelValues(datasource, driver).Observe(d.Seconds())
}

func (m *Metrics) RecordBackendRequest(serviceID, operationID string, status int, d time.Duration) {
	m.backendCalls.WithLabelValues(serviceID, operationID, strconv.Itoa(status)).Inc()
	m.backendLatency.WithLabelValues(serviceID).Observe(d.Seconds())
}

func (m *Metrics) SetBackendCircuitBreakerState(serviceID string, state float64) {
	m.breakerState.WithLabelValues(serviceID).Set(state)
}

func (m *Metrics) RecordPageCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.pageCache.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordDefinitionReload(status string) {
	m.reloads.WithLabelValues(status).Inc()
}

func (m *Metrics) SetTablesLoaded(n int) { m.tablesLoaded.Set(float64(n)) }

func (m *Metrics) SetOpenAPIOperationsIndexed(n int) { m.operationsIndex.Set(float64(n)) }
