// Command tabula serves table definitions, data and sessions over HTTP
// until SIGINT or SIGTERM.
//
//	tabula --config config.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/observability"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("tabula", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "config.yaml", "path to configuration file")
	showVersion := flags.Bool("version", false, "print the version and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "tabula: %v\n", err)
		return 2
	}
	if *showVersion {
		fmt.Printf("tabula %s (%s)\n", version, commit)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tabula: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tabula: logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	flushTraces, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "tabula", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}
	defer func() {
		if err := flushTraces(context.Background()); err != nil {
			logger.Warn("flushing traces failed", zap.Error(err))
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return 1
	}
	defer a.close()

	if err := a.serve(ctx); err != nil {
		logger.Error("server stopped with an error", zap.Error(err))
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}
