// Package integration runs the tabula BFF end to end: the full router and
// middleware chain, JWKS-verified bearer tokens, and one datasource per
// driver family (a mock HTTP backend, a seeded SQLite file, inline rows).
package integration

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/datasource"
	"github.com/pitabwire/tabula/internal/definition"
	"github.com/pitabwire/tabula/internal/metadata"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/internal/openapi"
	"github.com/pitabwire/tabula/internal/session"
	"github.com/pitabwire/tabula/internal/transport"
)

const ordersService = "orders-svc"

// redisAddrEnv names the variable the redis page cache reads its address
// from.
const redisAddrEnv = "TABULA_TEST_REDIS_ADDR"

// TestHarness is a fully wired BFF instance behind an httptest server.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	idp    *identityProvider

	Registry *definition.Registry
	Sessions *session.Manager
	Sources  *datasource.Manager
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	Redis    *miniredis.Miniredis

	backend *MockBackend
	cfg     *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	breaker        config.CircuitBreakerConfig
	backendTimeout time.Duration
	cacheDriver    string
	maxSessions    int
}

// WithCircuitBreaker sets the breaker of the orders service.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) { c.breaker = cb }
}

// WithBackendTimeout sets the request timeout of the orders service.
func WithBackendTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.backendTimeout = d }
}

// WithPageCache enables the page cache with the given driver, memory or
// redis. The redis driver runs against an in-process miniredis.
func WithPageCache(driver string) HarnessOption {
	return func(c *harnessConfig) { c.cacheDriver = driver }
}

// WithMaxSessions limits the open sessions per subject.
func WithMaxSessions(n int) HarnessOption {
	return func(c *harnessConfig) { c.maxSessions = n }
}

// NewTestHarness builds and starts a BFF test instance. Everything is torn
// down when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		backendTimeout: 5 * time.Second,
		maxSessions:    20,
	}
	for _, opt := range opts {
		opt(hc)
	}

	logger := zap.NewNop()
	dir := testdataDir()

	h := &TestHarness{
		t:       t,
		idp:     newIdentityProvider(t),
		backend: newMockBackend(t, ordersService, ordersRoutes()),
	}

	// The spec template points at whatever port the mock backend got.
	specPath := h.writeSpec(filepath.Join(dir, "specs", "orders-svc.yaml"))
	oaIndex := openapi.NewIndex()
	if err := oaIndex.Load([]openapi.SpecSource{{
		ServiceID: ordersService,
		BaseURL:   h.backend.URL(),
		SpecPath:  specPath,
	}}); err != nil {
		t.Fatalf("load OpenAPI specs: %v", err)
	}

	cfg := config.Defaults()
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Server.HandlerTimeout = 10 * time.Second
	cfg.Identity = config.IdentityConfig{
		Enabled:      true,
		Issuer:       providerIssuer,
		Audience:     providerAudience,
		JWKSURL:      h.idp.JWKSURL(),
		JWKSCacheTTL: time.Hour,
		Algorithms:   []string{"ES256"},
	}
	cfg.Definitions.Directories = []string{filepath.Join(dir, "definitions")}
	cfg.Services = map[string]config.ServiceConfig{
		ordersService: {
			BaseURL:        h.backend.URL(),
			Timeout:        hc.backendTimeout,
			CircuitBreaker: hc.breaker,
		},
	}
	cfg.Datasources = map[string]config.DatasourceConfig{
		"orders":    {Driver: config.DriverHTTP, ServiceID: ordersService},
		"inventory": {Driver: config.DriverSQLite, Path: seedInventory(t)},
		"inline":    {Driver: config.DriverStatic},
	}
	cfg.Sessions.MaxPerSubject = hc.maxSessions
	cfg.Sessions.FetchTimeout = 10 * time.Second
	switch hc.cacheDriver {
	case config.CacheRedis:
		h.Redis = miniredis.RunT(t)
		t.Setenv(redisAddrEnv, h.Redis.Addr())
		cfg.Cache = config.CacheConfig{Enabled: true, Driver: config.CacheRedis, AddrEnv: redisAddrEnv, TTL: time.Minute}
	case config.CacheMemory:
		cfg.Cache = config.CacheConfig{Enabled: true, Driver: config.CacheMemory, TTL: time.Minute, MaxEntries: 100}
	}
	h.cfg = cfg

	registry := prometheus.NewRegistry()
	h.Metrics = observability.NewMetrics(registry)
	h.Gatherer = registry

	h.Registry = definition.NewRegistry(nil)
	validator := definition.NewValidator(definition.DatasourceRefs(cfg.Datasources), cfg.Tables.MaxPageSize)
	reloader := definition.NewReloader(h.Registry, validator, oaIndex, cfg.Definitions.Directories, logger).
		WithRecorder(h.Metrics)
	if _, err := reloader.Reload(); err != nil {
		t.Fatalf("load definitions: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sources, err := datasource.NewManager(ctx, cfg, oaIndex,
		datasource.WithRecorder(h.Metrics),
		datasource.WithManagerLogger(logger),
	)
	if err != nil {
		cancel()
		t.Fatalf("open datasources: %v", err)
	}
	h.Sources = sources

	catalog := metadata.NewCatalog(h.Registry, cfg.Tables)
	h.Sessions = session.NewManager(catalog, sources, cfg.Sessions,
		session.WithRecorder(h.Metrics),
		session.WithLogger(logger),
	)

	authenticate, err := transport.NewAuthenticator(cfg.Identity, logger)
	if err != nil {
		cancel()
		t.Fatalf("build authenticator: %v", err)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Authenticate: authenticate,
		Catalog:      catalog,
		Sessions:     h.Sessions,
		Metrics:      h.Metrics,
		Readiness: observability.ReadinessChecks{
			Tables:        func() int { return h.Registry.Len() },
			OpenAPILoaded: func() bool { return oaIndex.Len() > 0 },
			Dependencies: map[string]observability.HealthChecker{
				"datasources": sources,
			},
		},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
		h.Sessions.CloseAll()
		sources.Close()
		cancel()
	})
	return h
}

// writeSpec copies a spec template into a temp dir with the mock
// backend's URL filled in.
func (h *TestHarness) writeSpec(path string) string {
	h.t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		h.t.Fatalf("read spec %s: %v", path, err)
	}
	content := strings.ReplaceAll(string(data), "{{ORDERS_SVC_URL}}", h.backend.URL())
	out := filepath.Join(h.t.TempDir(), filepath.Base(path))
	if err := os.WriteFile(out, []byte(content), 0o644); err != nil {
		h.t.Fatalf("write temp spec: %v", err)
	}
	return out
}

// seedInventory creates the products table in a fresh SQLite file.
// Product i (1..30) costs i*1.5, has i units in stock, and falls in
// category tools, garden or kitchen by i mod 3.
func seedInventory(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inventory.db")
	db, err := datasource.OpenSQLite(config.DatasourceConfig{Path: path})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(`CREATE TABLE products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT NOT NULL,
		price REAL NOT NULL,
		stock INTEGER NOT NULL
	)`); err != nil {
		t.Fatalf("create products: %v", err)
	}
	categories := []string{"kitchen", "tools", "garden"}
	for i := 1; i <= 30; i++ {
		if _, err := db.Exec(`INSERT INTO products (id, name, category, price, stock) VALUES (?, ?, ?, ?, ?)`,
			fmt.Sprintf("P-%03d", i), fmt.Sprintf("Product %02d", i), categories[i%3], float64(i)*1.5, i); err != nil {
			t.Fatalf("insert product %d: %v", i, err)
		}
	}
	return path
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Backend returns the mock orders service.
func (h *TestHarness) Backend() *MockBackend {
	return h.backend
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.idp.Token(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.idp.ExpiredToken(claims)
}

// --- Default test claims ---

// ViewerClaims returns claims of an order_viewer.
func ViewerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-viewer",
		TenantID:  "acme-corp",
		Roles:     []string{"order_viewer"},
	}
}

// ManagerClaims returns claims of an order_manager.
func ManagerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-manager",
		TenantID:  "acme-corp",
		Roles:     []string{"order_manager"},
	}
}

// GuestClaims returns claims of a subject without roles.
func GuestClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-guest",
		TenantID:  "acme-corp",
	}
}

// --- Fixtures ---

func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// OrderFixture returns one order as the orders service renders it.
func OrderFixture(id, customer, status string) map[string]any {
	return map[string]any{
		"id":        id,
		"customer":  map[string]any{"name": customer},
		"status":    status,
		"placed_at": "2026-01-15T10:30:00Z",
	}
}

// OrderListFixture returns a listOrders response body.
func OrderListFixture(orders []map[string]any, total int) map[string]any {
	if orders == nil {
		orders = []map[string]any{}
	}
	return map[string]any{
		"data": map[string]any{
			"orders": orders,
			"total":  total,
		},
	}
}

// OrderPageFixture returns n orders numbered from first.
func OrderPageFixture(first, n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range n {
		id := first + i
		out[i] = OrderFixture(fmt.Sprintf("ord-%03d", id), fmt.Sprintf("Customer %d", id), "open")
	}
	return out
}
