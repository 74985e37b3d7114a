package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/clock"
	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/openapi"
	"github.com/pitabwire/tabula/internal/table"
	"github.com/pitabwire/tabula/model"
)

// HTTPClient holds the HTTP client and circuit breaker for one backend
// service. Every HTTP source of the service shares it.
type HTTPClient struct {
	serviceID string
	cfg       config.ServiceConfig
	client    *http.Client
	breaker   *CircuitBreaker
	recorder  Recorder
	logger    *zap.Logger
}

// NewHTTPClient creates a client for the service serviceID.
func NewHTTPClient(serviceID string, cfg config.ServiceConfig, clk clock.Clock, rec Recorder, logger *zap.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	c := &HTTPClient{
		serviceID: serviceID,
		cfg:       cfg,
		client:    &http.Client{Timeout: timeout, Transport: transport},
		breaker:   NewCircuitBreaker(cfg.CircuitBreaker, clk),
		recorder:  rec,
		logger:    logger.With(zap.String("service_id", serviceID)),
	}
	c.breaker.OnStateChange(func(s BreakerState) {
		c.recorder.SetBackendCircuitBreakerState(serviceID, float64(s))
		c.logger.Warn("circuit breaker state changed", zap.String("state", s.String()))
	})
	return c
}

// Breaker returns the service's circuit breaker.
func (c *HTTPClient) Breaker() *CircuitBreaker {
	return c.breaker
}

// getJSON performs a GET through the service's circuit breaker and decodes
// the JSON body.
func (c *HTTPClient) getJSON(ctx context.Context, operationID, reqURL string) (any, error) {
	done, err := c.breaker.Acquire()
	if err != nil {
		return nil, model.NewBackendUnavailableError()
	}
	body, err := c.get(ctx, operationID, reqURL)
	done(breakerOutcome(ctx, err))
	if err != nil {
		return nil, err
	}

	var parsed any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("datasource: decode response: %w", err)
		}
	}
	return parsed, nil
}

func (c *HTTPClient) get(ctx context.Context, operationID, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("datasource: build request: %w", err)
	}
	req.Header = buildRequestHeaders(model.RequestContextFrom(ctx))
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.recorder.RecordBackendRequest(c.serviceID, operationID, 0, time.Since(start))
		switch {
		case ctx.Err() != nil || isTimeout(err):
			return nil, model.NewBackendTimeoutError()
		case isConnectionError(err):
			return nil, model.NewBackendUnavailableError()
		}
		return nil, fmt.Errorf("datasource: request failed: %w", err)
	}
	defer resp.Body.Close()
	c.recorder.RecordBackendRequest(c.serviceID, operationID, resp.StatusCode, time.Since(start))

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("datasource: read response: %w", err)
	}

	fields := []zap.Field{zap.String("operation_id", operationID), zap.Int("status", resp.StatusCode)}
	switch {
	case resp.StatusCode >= 500:
		c.logger.Error("backend returned server error", fields...)
		return nil, model.NewBackendUnavailableError()
	case resp.StatusCode >= 400:
		c.logger.Warn("backend rejected request", fields...)
		return nil, backendClientError(resp.StatusCode)
	}
	return body, nil
}

// breakerOutcome maps the result of get onto the breaker. Rejections from a
// reachable backend count as success; a caller that went away proves
// nothing either way.
func breakerOutcome(ctx context.Context, err error) Outcome {
	var env *model.ErrorEnvelope
	switch {
	case err == nil:
		return Success
	case errors.Is(ctx.Err(), context.Canceled):
		return Abandoned
	case errors.As(err, &env) && env.Code != model.ErrBackendUnavailable && env.Code != model.ErrBackendTimeout:
		return Success
	}
	return Failure
}

func backendClientError(status int) *model.ErrorEnvelope {
	switch status {
	case http.StatusUnauthorized:
		return model.NewUnauthorizedError("The backend rejected the credentials")
	case http.StatusForbidden:
		return model.NewForbiddenError("The backend denied access to this table")
	case http.StatusNotFound:
		return model.NewNotFoundError("The backend resource was not found")
	}
	return model.NewBadRequestError(fmt.Sprintf("The backend rejected the query (status %d)", status))
}

// HTTPSource reads rows from a backend list operation. Table state is sent
// as query parameters named by the service's pagination settings.
type HTTPSource struct {
	client  *HTTPClient
	op      openapi.IndexedOperation
	mapping model.ResponseMappingDefinition
	columns map[string]model.ColumnDefinition
}

// NewHTTPSource creates a source for def backed by op.
func NewHTTPSource(client *HTTPClient, op openapi.IndexedOperation, def model.TableDefinition) (*HTTPSource, error) {
	if !op.Listable() {
		return nil, fmt.Errorf("operation %s/%s is not a list operation", op.ServiceID, op.OperationID)
	}
	if def.Source.Mapping.ItemsPath == "" {
		return nil, fmt.Errorf("table %q: mapping.items_path is required", def.ID)
	}
	cols := make(map[string]model.ColumnDefinition, len(def.Columns))
	for _, c := range def.Columns {
		cols[c.ID] = c
	}
	return &HTTPSource{client: client, op: op, mapping: def.Source.Mapping, columns: cols}, nil
}

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context, q model.Query) (model.Page, error) {
	body, err := s.client.getJSON(ctx, s.op.OperationID, s.requestURL(q))
	if err != nil {
		return model.Page{}, err
	}

	root, _ := body.(map[string]any)
	var items []map[string]any
	if s.mapping.ItemsPath == "." {
		items = toMapSlice(body)
	} else {
		items = toMapSlice(extractPath(root, s.mapping.ItemsPath))
	}
	if len(s.mapping.FieldMap) > 0 {
		items = applyFieldMap(items, s.mapping.FieldMap)
	}

	rows := make([]model.Row, len(items))
	for i, item := range items {
		rows[i] = normalizeRow(item)
	}

	total := -1
	if s.mapping.TotalPath != "" {
		if t, ok := extractPath(root, s.mapping.TotalPath).(float64); ok {
			total = int(t)
		}
	}
	if total < 0 && (q.Limit <= 0 || (q.Offset == 0 && len(rows) < q.Limit)) {
		total = len(rows)
	}
	return model.Page{Rows: rows, Total: total}, nil
}

func (s *HTTPSource) requestURL(q model.Query) string {
	p := s.client.cfg.Pagination
	params := url.Values{}

	if q.Limit > 0 {
		page := q.Offset / q.Limit
		if p.OneBased {
			page++
		}
		params.Set(paramName(p.PageParam, "page"), strconv.Itoa(page))
		params.Set(paramName(p.SizeParam, "page_size"), strconv.Itoa(q.Limit))
	}
	if q.Sort != nil {
		if c, ok := s.columns[q.Sort.ColumnID]; ok {
			params.Set(paramName(p.SortParam, "sort"), c.FieldPath())
			params.Set(paramName(p.SortDirParam, "sort_dir"), string(q.Sort.Direction))
		}
	}
	if q.GlobalFilter != "" {
		params.Set(paramName(p.QueryParam, "q"), q.GlobalFilter)
	}
	for _, f := range q.Filters {
		s.addFilterParams(params, f)
	}

	base := s.op.BaseURL
	if base == "" {
		base = s.client.cfg.BaseURL
	}
	u := strings.TrimRight(base, "/") + s.op.PathTemplate
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// addFilterParams sends a filter under the first query parameter the
// operation declares for it: the column ID, then the field path. Range
// filters use "<name>_min" and "<name>_max". Undeclared filters are not
// sent.
func (s *HTTPSource) addFilterParams(params url.Values, f model.QueryFilter) {
	for _, name := range []string{f.ColumnID, f.Field} {
		if f.Operator == "between" {
			r, ok := table.ParseRange(f.Value)
			if !ok {
				return
			}
			_, hasMin := s.op.QueryParam(name + "_min")
			_, hasMax := s.op.QueryParam(name + "_max")
			if !hasMin && !hasMax {
				continue
			}
			if hasMin && r.Min != nil {
				params.Set(name+"_min", table.FormatValue(r.Min))
			}
			if hasMax && r.Max != nil {
				params.Set(name+"_max", table.FormatValue(r.Max))
			}
			return
		}

		if _, ok := s.op.QueryParam(name); !ok {
			continue
		}
		if list, ok := table.ParseList(f.Value); ok {
			parts := make([]string, len(list))
			for i, v := range list {
				parts[i] = table.FormatValue(v)
			}
			params.Set(name, strings.Join(parts, ","))
			return
		}
		params.Set(name, table.FormatValue(f.Value))
		return
	}
	s.client.logger.Debug("filter has no matching query parameter",
		zap.String("operation_id", s.op.OperationID),
		zap.String("column_id", f.ColumnID),
	)
}

func paramName(configured, fallback string) string {
	if configured != "" {
		return configured
	}
	return fallback
}

func buildRequestHeaders(rctx *model.RequestContext) http.Header {
	h := make(http.Header)
	h.Set("Accept", "application/json")
	if rctx != nil {
		if rctx.Token != "" {
			h.Set("Authorization", "Bearer "+sanitizeHeader(rctx.Token))
		}
		if rctx.TenantID != "" {
			h.Set("X-Tenant-Id", sanitizeHeader(rctx.TenantID))
		}
		if rctx.CorrelationID != "" {
			h.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
		}
		h.Set("X-Request-Subject", sanitizeHeader(rctx.SubjectID))
	}
	return h
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

func isConnectionError(err error) bool {
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// extractPath reads a dot-separated path from decoded JSON.
func extractPath(data map[string]any, path string) any {
	if path == "" || data == nil {
		return nil
	}
	var current any = data
	for part := range strings.SplitSeq(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

// toMapSlice keeps the object elements of a decoded JSON array.
func toMapSlice(v any) []map[string]any {
	slice, ok := v.([]any)
	if !ok {
		return []map[string]any{}
	}
	result := make([]map[string]any, 0, len(slice))
	for _, item := range slice {
		if m, ok := item.(map[string]any); ok {
			result = append(result, m)
		}
	}
	return result
}

// applyFieldMap renames backend fields to the names columns read.
func applyFieldMap(items []map[string]any, fieldMap map[string]string) []map[string]any {
	result := make([]map[string]any, len(items))
	for i, item := range items {
		mapped := make(map[string]any, len(item))
		for k, v := range item {
			if newName, ok := fieldMap[k]; ok {
				mapped[newName] = v
			} else {
				mapped[k] = v
			}
		}
		result[i] = mapped
	}
	return result
}
