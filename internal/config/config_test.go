package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.HandlerTimeout != 25*time.Second {
		t.Errorf("handler_timeout = %v, want the default", cfg.Server.HandlerTimeout)
	}
	if id := cfg.Identity; !id.Enabled || id.Issuer != "https://auth.example.com" || len(id.Algorithms) != 2 {
		t.Errorf("identity = %+v", id)
	}
	if d := cfg.Definitions; !d.HotReload || d.ReloadInterval != 10*time.Second || d.Strict {
		t.Errorf("definitions = %+v", d)
	}

	svc := cfg.Services["orders-svc"]
	if svc.Pagination.SizeParam != "limit" || !svc.Pagination.OneBased {
		t.Errorf("orders-svc pagination = %+v", svc.Pagination)
	}
	if cb := svc.CircuitBreaker; cb.FailureThreshold != 5 || cb.SuccessThreshold != 2 || cb.Timeout != 30*time.Second {
		t.Errorf("orders-svc breaker = %+v", cb)
	}

	if len(cfg.Datasources) != 3 {
		t.Fatalf("datasources = %d, want 3", len(cfg.Datasources))
	}
	if ds := cfg.Datasources["inventory"]; ds.Driver != DriverSQLite || ds.Path != "./data/inventory.db" {
		t.Errorf("inventory = %+v", ds)
	}
	if ds := cfg.Datasources["ledger"]; ds.MaxOpenConns != 10 {
		t.Errorf("ledger.max_open_conns = %d", ds.MaxOpenConns)
	}

	if tb := cfg.Tables; tb.Debounce != 250*time.Millisecond || tb.PageSize != 25 || tb.MaxPageSize != 500 {
		t.Errorf("tables = %+v", tb)
	}
	if s := cfg.Sessions; s.IdleTTL != 10*time.Minute || s.MaxPerSubject != 5 || s.FetchTimeout != 10*time.Second {
		t.Errorf("sessions = %+v", s)
	}
	if cfg.Cache.Driver != CacheRedis || cfg.Cache.TTL != time.Minute || cfg.Cache.MaxEntries != 1000 {
		t.Errorf("cache = %+v", cfg.Cache)
	}
}

func TestLoad_emptyFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "# defaults only\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Tables.Debounce != 300*time.Millisecond {
		t.Errorf("config = %+v", cfg)
	}
}

func TestLoad_errors(t *testing.T) {
	tests := []struct {
		name string
		path string
		want []string
	}{
		{"missing file", "testdata/nonexistent.yaml", []string{"nonexistent.yaml"}},
		{"incomplete identity", "testdata/missing_identity.yaml", []string{"identity.audience", "jwks_url or secret_env"}},
		{"bad datasources", "testdata/bad_datasource.yaml", []string{
			`datasources.archive: unsupported driver "mongodb"`,
			`datasources.orders: unknown service "missing-svc"`,
		}},
		{"misspelled key", writeConfig(t, "tables:\n  page_sise: 20\n"), []string{"page_sise"}},
		{"wrong type", writeConfig(t, "server:\n  port: eighty\n"), []string{"eighty"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path)
			if err == nil {
				t.Fatal("expected an error")
			}
			for _, want := range tt.want {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q does not mention %q", err, want)
				}
			}
		})
	}
}

func TestLoad_environmentOverridesFile(t *testing.T) {
	t.Setenv("TABULA_SERVER_PORT", "5555")
	t.Setenv("TABULA_IDENTITY_ISSUER", "https://env-issuer.example")
	t.Setenv("TABULA_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("TABULA_OBSERVABILITY_LOG_LEVEL", "error")
	t.Setenv("TABULA_TABLES_DEBOUNCE", "1s")
	t.Setenv("TABULA_CACHE_DRIVER", CacheMemory)
	t.Setenv("TABULA_TRACING_ENDPOINT", "otel:4317")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 5555 {
		t.Errorf("port = %d, want the environment's 5555", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.example" || cfg.Identity.Audience != "env-audience" {
		t.Errorf("identity = %+v", cfg.Identity)
	}
	if cfg.Observability.LogLevel != "error" || cfg.Observability.Tracing.Endpoint != "otel:4317" {
		t.Errorf("observability = %+v", cfg.Observability)
	}
	if cfg.Tables.Debounce != time.Second || cfg.Cache.Driver != CacheMemory {
		t.Errorf("debounce %v, cache driver %q", cfg.Tables.Debounce, cfg.Cache.Driver)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"TABULA_SERVER_PORT":      "80x",
		"TABULA_CACHE_ENABLED":    "maybe",
		"TABULA_TABLES_DEBOUNCE":  "soon",
		"TABULA_IDENTITY_ENABLED": "true",
		"TABULA_IDENTITY_ISSUER":  "",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := Defaults()
	err := applyEnv(cfg, lookup)
	if err == nil {
		t.Fatal("expected an error")
	}
	for _, name := range []string{"TABULA_SERVER_PORT", "TABULA_CACHE_ENABLED", "TABULA_TABLES_DEBOUNCE"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error does not name %s: %v", name, err)
		}
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("malformed port applied: %d", cfg.Server.Port)
	}
	if !cfg.Identity.Enabled {
		t.Error("well-formed value skipped")
	}
	if cfg.Identity.Issuer != "" {
		t.Errorf("empty value applied: %q", cfg.Identity.Issuer)
	}
}

func TestValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"zero page size", func(c *Config) { c.Tables.PageSize = 0 }, "tables.page_size"},
		{"page size over max", func(c *Config) { c.Tables.PageSize = 1000 }, "exceeds max_page_size"},
		{"negative debounce", func(c *Config) { c.Tables.Debounce = -time.Second }, "tables.debounce"},
		{"page size option", func(c *Config) { c.Tables.PageSizeOptions = []int{10, 0} }, "page_size_options"},
		{"idle ttl", func(c *Config) { c.Sessions.IdleTTL = 0 }, "sessions.idle_ttl"},
		{"identity key source", func(c *Config) {
			c.Identity = IdentityConfig{Enabled: true, Issuer: "i", Audience: "a"}
		}, "jwks_url or secret_env"},
		{"redis address", func(c *Config) { c.Cache = CacheConfig{Enabled: true, Driver: CacheRedis} }, "cache.addr_env"},
		{"cache driver", func(c *Config) { c.Cache = CacheConfig{Enabled: true, Driver: "memcached"} }, `"memcached"`},
		{"postgres dsn", func(c *Config) {
			c.Datasources = map[string]DatasourceConfig{"pg": {Driver: DriverPostgres}}
		}, "datasources.pg: postgres requires dsn_env"},
		{"sqlite path", func(c *Config) {
			c.Datasources = map[string]DatasourceConfig{"lite": {Driver: DriverSQLite}}
		}, "datasources.lite"},
		{"http service", func(c *Config) {
			c.Datasources = map[string]DatasourceConfig{"api": {Driver: DriverHTTP}}
		}, "requires service_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want an error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestLoad_exampleConfig(t *testing.T) {
	cfg, err := Load("../../examples/config.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Identity.Enabled {
		t.Error("example config enables identity")
	}
	if ds, ok := cfg.Datasources["inline"]; !ok || ds.Driver != DriverStatic {
		t.Errorf("datasources.inline = %+v", cfg.Datasources["inline"])
	}
	if cfg.Tables.PageSize != 10 || cfg.Tables.MaxPageSize != 200 {
		t.Errorf("tables = %+v", cfg.Tables)
	}
}
