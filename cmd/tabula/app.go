package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/datasource"
	"github.com/pitabwire/tabula/internal/definition"
	"github.com/pitabwire/tabula/internal/metadata"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/internal/openapi"
	"github.com/pitabwire/tabula/internal/session"
	"github.com/pitabwire/tabula/internal/transport"
)

// app is the wired server. Build it with newApp and release it with close.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *definition.Registry
	reloader *definition.Reloader
	sources  *datasource.Manager
	sessions *session.Manager
	server   *http.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	index := openapi.NewIndex()
	specs := openapi.SourcesFromConfig(cfg.Specs)
	if err := index.Load(specs); err != nil {
		return nil, fmt.Errorf("openapi: %w", err)
	}
	metrics.SetOpenAPIOperationsIndexed(index.Len())

	a := &app{cfg: cfg, logger: logger, registry: definition.NewRegistry(nil)}

	validator := definition.NewValidator(definition.DatasourceRefs(cfg.Datasources), cfg.Tables.MaxPageSize)
	a.reloader = definition.NewReloader(a.registry, validator, index, cfg.Definitions.Directories, logger).
		WithRecorder(metrics).
		WithLoader(definitionLoader(cfg.Definitions))
	a.reloader.OnChange(func() { metrics.SetTablesLoaded(a.registry.Len()) })
	if _, err := a.reloader.Reload(); err != nil {
		return nil, fmt.Errorf("definitions: %w", err)
	}

	sources, err := datasource.NewManager(ctx, cfg, index,
		datasource.WithRecorder(metrics),
		datasource.WithManagerLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("datasources: %w", err)
	}
	a.sources = sources

	catalog := metadata.NewCatalog(a.registry, cfg.Tables)
	a.sessions = session.NewManager(catalog, sources, cfg.Sessions,
		session.WithRecorder(metrics),
		session.WithLogger(logger),
	)

	authenticate, err := transport.NewAuthenticator(cfg.Identity, logger)
	if err != nil {
		sources.Close()
		return nil, fmt.Errorf("identity: %w", err)
	}
	if authenticate == nil {
		logger.Warn("identity disabled, requests run as the anonymous subject")
	}

	readiness := observability.ReadinessChecks{
		Tables:       a.registry.Len,
		Dependencies: map[string]observability.HealthChecker{"datasources": sources},
	}
	if len(specs) > 0 {
		readiness.OpenAPILoaded = func() bool { return index.Len() > 0 }
	}

	a.server = &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: transport.NewRouter(transport.Dependencies{
			Config:       cfg,
			Logger:       logger,
			Authenticate: authenticate,
			Catalog:      catalog,
			Sessions:     a.sessions,
			Metrics:      metrics,
			Readiness:    readiness,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return a, nil
}

// serve runs the HTTP server, the session sweeper and, when enabled, the
// definition reloader until ctx ends or the listener fails. It then drains
// in-flight requests before returning.
func (a *app) serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		a.sessions.Run(gctx)
		return nil
	})
	if a.cfg.Definitions.HotReload {
		g.Go(func() error {
			a.reloader.Run(gctx, a.cfg.Definitions.ReloadInterval)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		a.logger.Info("shutdown initiated")
		return a.server.Shutdown(shutdownCtx)
	})

	a.logger.Info("server started",
		zap.Int("port", a.cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("tables", a.registry.Len()),
	)
	return g.Wait()
}

func (a *app) close() {
	a.sessions.CloseAll()
	a.sources.Close()
}

func definitionLoader(cfg config.DefinitionsConfig) *definition.Loader {
	if cfg.Strict {
		return definition.NewLoader(definition.Strict())
	}
	return definition.NewLoader()
}
