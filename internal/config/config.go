// Package config defines the settings of the tabula server and TUI. Values
// come from built-in defaults, then a YAML file, then TABULA_* environment
// variables.
package config

import "time"

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig                `yaml:"server"`
	Identity      IdentityConfig              `yaml:"identity"`
	Definitions   DefinitionsConfig           `yaml:"definitions"`
	Specs         SpecsConfig                 `yaml:"specs"`
	Services      map[string]ServiceConfig    `yaml:"services"`
	Datasources   map[string]DatasourceConfig `yaml:"datasources"`
	Tables        TablesConfig                `yaml:"tables"`
	Sessions      SessionsConfig              `yaml:"sessions"`
	Cache         CacheConfig                 `yaml:"cache"`
	Observability ObservabilityConfig         `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes bearer-token verification. Tokens are verified
// against a JWKS endpoint, or against a shared HMAC secret read from the
// environment variable named by SecretEnv.
type IdentityConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	SecretEnv    string            `yaml:"secret_env"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// DefinitionsConfig describes where to find table definition YAML files.
type DefinitionsConfig struct {
	Directories    []string      `yaml:"directories"`
	HotReload      bool          `yaml:"hot_reload"`
	ReloadInterval time.Duration `yaml:"reload_interval"`

	// Strict rejects unknown keys in definition files.
	Strict bool `yaml:"strict"`
}

// SpecsConfig describes where to find OpenAPI specification files.
type SpecsConfig struct {
	Directory string       `yaml:"directory"`
	Sources   []SpecSource `yaml:"sources"`
}

// SpecSource maps a service ID to an OpenAPI spec file.
type SpecSource struct {
	ServiceID string `yaml:"service_id"`
	SpecFile  string `yaml:"spec_file"`
}

// ServiceConfig describes a backend service that serves table rows.
type ServiceConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	Pagination     PaginationConfig     `yaml:"pagination"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// PaginationConfig names the query parameters a backend uses for table
// state. Empty fields fall back to page, page_size, sort, sort_dir and q.
type PaginationConfig struct {
	PageParam    string `yaml:"page_param"`
	SizeParam    string `yaml:"size_param"`
	SortParam    string `yaml:"sort_param"`
	SortDirParam string `yaml:"sort_dir_param"`
	QueryParam   string `yaml:"query_param"`
	OneBased     bool   `yaml:"one_based"`
}

// CircuitBreakerConfig describes circuit breaker settings per service.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// Datasource drivers.
const (
	DriverStatic   = "static"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverHTTP     = "http"
)

// DatasourceConfig describes a named source of table rows.
type DatasourceConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	Path            string        `yaml:"path"`
	ServiceID       string        `yaml:"service_id"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// TablesConfig holds engine defaults applied to definitions that leave
// them unset.
type TablesConfig struct {
	Debounce        time.Duration `yaml:"debounce"`
	PageSize        int           `yaml:"page_size"`
	PageSizeOptions []int         `yaml:"page_size_options"`
	MaxPageSize     int           `yaml:"max_page_size"`
}

// SessionsConfig describes table session lifetime limits.
type SessionsConfig struct {
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxPerSubject int           `yaml:"max_per_subject"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
}

// Cache drivers.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// CacheConfig describes the fetched-page cache.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogOutput string        `yaml:"log_output"` // zap output path; empty means stdout
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         3600,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: time.Hour,
			Algorithms:   []string{"RS256", "ES256"},
		},
		Definitions: DefinitionsConfig{
			ReloadInterval: 30 * time.Second,
		},
		Tables: TablesConfig{
			Debounce:        300 * time.Millisecond,
			PageSize:        10,
			PageSizeOptions: []int{10, 20, 50, 100},
			MaxPageSize:     500,
		},
		Sessions: SessionsConfig{
			IdleTTL:       15 * time.Minute,
			SweepInterval: time.Minute,
			MaxPerSubject: 20,
			FetchTimeout:  10 * time.Second,
		},
		Cache: CacheConfig{
			Driver:     CacheMemory,
			TTL:        30 * time.Second,
			MaxEntries: 1000,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}
