package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load returns the defaults overlaid with the YAML file at path and then
// the environment. Unknown keys in the file are errors.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// envVars are the settings deployments commonly override per environment.
var envVars = []struct {
	name  string
	apply func(*Config, string) error
}{
	{"TABULA_SERVER_PORT", func(c *Config, v string) error { return setInt(&c.Server.Port, v) }},
	{"TABULA_IDENTITY_ENABLED", func(c *Config, v string) error { return setBool(&c.Identity.Enabled, v) }},
	{"TABULA_IDENTITY_ISSUER", func(c *Config, v string) error { c.Identity.Issuer = v; return nil }},
	{"TABULA_IDENTITY_AUDIENCE", func(c *Config, v string) error { c.Identity.Audience = v; return nil }},
	{"TABULA_IDENTITY_JWKS_URL", func(c *Config, v string) error { c.Identity.JWKSURL = v; return nil }},
	{"TABULA_TABLES_DEBOUNCE", func(c *Config, v string) error { return setDuration(&c.Tables.Debounce, v) }},
	{"TABULA_CACHE_ENABLED", func(c *Config, v string) error { return setBool(&c.Cache.Enabled, v) }},
	{"TABULA_CACHE_DRIVER", func(c *Config, v string) error { c.Cache.Driver = v; return nil }},
	{"TABULA_OBSERVABILITY_LOG_LEVEL", func(c *Config, v string) error { c.Observability.LogLevel = v; return nil }},
	{"TABULA_TRACING_ENDPOINT", func(c *Config, v string) error { c.Observability.Tracing.Endpoint = v; return nil }},
}

// applyEnv overlays envVars read through lookup. Every malformed value is
// reported rather than silently ignored.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, ev := range envVars {
		v, ok := lookup(ev.name)
		if !ok || v == "" {
			continue
		}
		if err := ev.apply(cfg, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ev.name, err))
		}
	}
	return errors.Join(errs...)
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err == nil {
		*dst = n
	}
	return err
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err == nil {
		*dst = b
	}
	return err
}

func setDuration(dst *time.Duration, v string) error {
	d, err := time.ParseDuration(v)
	if err == nil {
		*dst = d
	}
	return err
}

// Validate reports every invalid setting, each prefixed with its YAML path.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		fail("server.port: %d is not a TCP port", c.Server.Port)
	}

	if id := c.Identity; id.Enabled {
		if id.Issuer == "" {
			fail("identity.issuer: required when identity is enabled")
		}
		if id.Audience == "" {
			fail("identity.audience: required when identity is enabled")
		}
		if id.JWKSURL == "" && id.SecretEnv == "" {
			fail("identity: one of jwks_url or secret_env is required")
		}
	}

	t := c.Tables
	switch {
	case t.PageSize <= 0:
		fail("tables.page_size: must be positive")
	case t.MaxPageSize > 0 && t.PageSize > t.MaxPageSize:
		fail("tables.page_size: %d exceeds max_page_size %d", t.PageSize, t.MaxPageSize)
	}
	if t.Debounce < 0 {
		fail("tables.debounce: must not be negative")
	}
	for _, n := range t.PageSizeOptions {
		if n <= 0 {
			fail("tables.page_size_options: %d is not positive", n)
		}
	}

	if c.Sessions.IdleTTL <= 0 {
		fail("sessions.idle_ttl: must be positive")
	}

	for name, ds := range c.Datasources {
		if err := c.validateDatasource(ds); err != nil {
			fail("datasources.%s: %w", name, err)
		}
	}

	if c.Cache.Enabled {
		switch c.Cache.Driver {
		case CacheMemory:
		case CacheRedis:
			if c.Cache.AddrEnv == "" {
				fail("cache.addr_env: required for the redis driver")
			}
		default:
			fail("cache.driver: %q is not supported", c.Cache.Driver)
		}
	}

	return errors.Join(errs...)
}

func (c *Config) validateDatasource(ds DatasourceConfig) error {
	switch ds.Driver {
	case DriverStatic:
	case DriverSQLite:
		if ds.Path == "" && ds.DSNEnv == "" {
			return errors.New("sqlite requires path or dsn_env")
		}
	case DriverPostgres:
		if ds.DSNEnv == "" {
			return errors.New("postgres requires dsn_env")
		}
	case DriverHTTP:
		if ds.ServiceID == "" {
			return errors.New("http requires service_id")
		}
		if _, ok := c.Services[ds.ServiceID]; !ok {
			return fmt.Errorf("unknown service %q", ds.ServiceID)
		}
	default:
		return fmt.Errorf("unsupported driver %q", ds.Driver)
	}
	return nil
}
