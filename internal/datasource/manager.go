package datasource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/clock"
	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/openapi"
	"github.com/pitabwire/tabula/internal/table"
	"github.com/pitabwire/tabula/model"
)

const tracerName = "github.com/pitabwire/tabula/internal/datasource"

// Manager owns the connections behind the configured datasources and
// builds a Source for each table definition.
type Manager struct {
	datasources map[string]config.DatasourceConfig
	index       *openapi.Index

	sqlite   map[string]*sql.DB
	postgres map[string]*pgxpool.Pool
	clients  map[string]*HTTPClient

	cache    PageCache
	cacheTTL time.Duration
	redis    *redis.Client

	clock    clock.Clock
	recorder Recorder
	logger   *zap.Logger

	mu      sync.Mutex
	version string
	sources map[string]Source
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRecorder sets the metrics recorder.
func WithRecorder(rec Recorder) ManagerOption {
	return func(m *Manager) {
		if rec != nil {
			m.recorder = rec
		}
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithManagerClock sets the clock used by circuit breakers and the memory
// page cache.
func WithManagerClock(c clock.Clock) ManagerOption {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithPageCache overrides the page cache built from configuration.
func WithPageCache(c PageCache, ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		m.cache = c
		m.cacheTTL = ttl
	}
}

// NewManager opens every configured datasource. Any failure closes what
// was already opened.
func NewManager(ctx context.Context, cfg *config.Config, index *openapi.Index, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		datasources: cfg.Datasources,
		index:       index,
		sqlite:      make(map[string]*sql.DB),
		postgres:    make(map[string]*pgxpool.Pool),
		clients:     make(map[string]*HTTPClient),
		clock:       clock.Real(),
		recorder:    nopRecorder{},
		logger:      zap.NewNop(),
		sources:     make(map[string]Source),
	}
	for _, o := range opts {
		o(m)
	}
	if m.index == nil {
		m.index = openapi.NewIndex()
	}

	if err := m.open(ctx, cfg); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) open(ctx context.Context, cfg *config.Config) error {
	for name, ds := range cfg.Datasources {
		switch ds.Driver {
		case config.DriverSQLite:
			if ds.Path == "" && ds.DSNEnv != "" {
				ds.Path = os.Getenv(ds.DSNEnv)
			}
			db, err := OpenSQLite(ds)
			if err != nil {
				return fmt.Errorf("datasource %s: %w", name, err)
			}
			m.sqlite[name] = db
		case config.DriverPostgres:
			dsn := os.Getenv(ds.DSNEnv)
			if dsn == "" {
				return fmt.Errorf("datasource %s: environment variable %s is empty", name, ds.DSNEnv)
			}
			pool, err := OpenPostgres(ctx, dsn, ds)
			if err != nil {
				return fmt.Errorf("datasource %s: %w", name, err)
			}
			m.postgres[name] = pool
		case config.DriverHTTP:
			if _, ok := m.clients[ds.ServiceID]; ok {
				continue
			}
			svc, ok := cfg.Services[ds.ServiceID]
			if !ok {
				return fmt.Errorf("datasource %s: unknown service %q", name, ds.ServiceID)
			}
			if ds.Timeout > 0 {
				svc.Timeout = ds.Timeout
			}
			m.clients[ds.ServiceID] = NewHTTPClient(ds.ServiceID, svc, m.clock, m.recorder, m.logger)
		}
		m.logger.Info("datasource opened", zap.String("datasource", name), zap.String("driver", ds.Driver))
	}

	if m.cache != nil || !cfg.Cache.Enabled {
		return nil
	}
	m.cacheTTL = cfg.Cache.TTL
	switch cfg.Cache.Driver {
	case config.CacheRedis:
		addr := os.Getenv(cfg.Cache.AddrEnv)
		if addr == "" {
			return fmt.Errorf("cache: environment variable %s is empty", cfg.Cache.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Cache.DB})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("cache: pinging redis: %w", err)
		}
		m.redis = client
		m.cache = NewRedisPageCache(client)
	default:
		m.cache = NewMemoryPageCache(cfg.Cache.MaxEntries, m.clock)
	}
	m.logger.Info("page cache enabled", zap.String("driver", cfg.Cache.Driver), zap.Duration("ttl", m.cacheTTL))
	return nil
}

// Source returns the source for def. Sources are reused until version, the
// registry checksum, changes.
func (m *Manager) Source(def model.TableDefinition, columns []table.ColumnDef[model.Row], version string) (Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if version != m.version {
		m.version = version
		m.sources = make(map[string]Source)
	}
	if src, ok := m.sources[def.ID]; ok {
		return src, nil
	}

	src, err := m.build(def, columns, version)
	if err != nil {
		return nil, err
	}
	m.sources[def.ID] = src
	return src, nil
}

func (m *Manager) build(def model.TableDefinition, columns []table.ColumnDef[model.Row], version string) (Source, error) {
	name := def.Source.Datasource
	ds, ok := m.datasources[name]
	if !ok {
		return nil, fmt.Errorf("table %q: datasource %q is not configured", def.ID, name)
	}

	var (
		src     Source
		err     error
		perUser bool
	)
	switch ds.Driver {
	case config.DriverStatic:
		src, err = OpenStatic(def.Source, columns)
	case config.DriverSQLite:
		src, err = NewSQLiteSource(m.sqlite[name], def)
	case config.DriverPostgres:
		src, err = NewPostgresSource(m.postgres[name], def)
	case config.DriverHTTP:
		serviceID := def.Source.ServiceID
		if serviceID == "" {
			serviceID = ds.ServiceID
		}
		client, ok := m.clients[serviceID]
		if !ok {
			return nil, fmt.Errorf("table %q: service %q is not configured", def.ID, serviceID)
		}
		var op openapi.IndexedOperation
		if op, err = m.index.Lookup(serviceID, def.Source.OperationID); err == nil {
			src, err = NewHTTPSource(client, op, def)
		}
		perUser = true
	default:
		return nil, fmt.Errorf("table %q: unsupported driver %q", def.ID, ds.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("table %q: %w", def.ID, err)
	}

	// Static rows are already in memory.
	if m.cache != nil && ds.Driver != config.DriverStatic {
		cacheOpts := []CacheOption{WithCacheRecorder(m.recorder), WithCacheLogger(m.logger)}
		if perUser {
			cacheOpts = append(cacheOpts, WithPerUserKeys())
		}
		src = NewCachedSource(src, m.cache, def.ID+":"+shortVersion(version), m.cacheTTL, cacheOpts...)
	}
	return &instrumented{
		source:     src,
		datasource: name,
		driver:     ds.Driver,
		tableID:    def.ID,
		recorder:   m.recorder,
		tracer:     otel.Tracer(tracerName),
	}, nil
}

func shortVersion(v string) string {
	if len(v) > 12 {
		return v[:12]
	}
	return v
}

// HealthCheck pings every database and the Redis cache.
func (m *Manager) HealthCheck(ctx context.Context) error {
	var errs []error
	for name, db := range m.sqlite {
		if err := db.PingContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("datasource %s: %w", name, err))
		}
	}
	for name, pool := range m.postgres {
		if err := pool.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("datasource %s: %w", name, err))
		}
	}
	if m.redis != nil {
		if err := m.redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("cache: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close releases every connection.
func (m *Manager) Close() {
	for name, db := range m.sqlite {
		if err := db.Close(); err != nil {
			m.logger.Warn("closing datasource failed", zap.String("datasource", name), zap.Error(err))
		}
	}
	for _, pool := range m.postgres {
		pool.Close()
	}
	if m.redis != nil {
		if err := m.redis.Close(); err != nil {
			m.logger.Warn("closing redis failed", zap.Error(err))
		}
	}
}

// instrumented records a span and a fetch metric around every Fetch.
type instrumented struct {
	source     Source
	datasource string
	driver     string
	tableID    string
	recorder   Recorder
	tracer     trace.Tracer
}

func (s *instrumented) Fetch(ctx context.Context, q model.Query) (model.Page, error) {
	ctx, span := s.tracer.Start(ctx, "datasource.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("tabula.table_id", s.tableID),
			attribute.String("tabula.datasource", s.datasource),
			attribute.String("tabula.driver", s.driver),
			attribute.Int("tabula.offset", q.Offset),
			attribute.Int("tabula.limit", q.Limit),
		),
	)
	defer span.End()

	start := time.Now()
	page, err := s.source.Fetch(ctx, q)
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int("tabula.rows", len(page.Rows)))
	}
	s.recorder.RecordSourceFetch(s.datasource, s.driver, status, time.Since(start))
	return page, err
}
