// Command tabula-tui browses one table definition in the terminal. Rows are
// read once from the table's source and paged, sorted and searched in
// memory.
//
//	tabula-tui --definitions ./definitions --table orders.recent
//
// Without --config, every datasource a definition names is served by the
// static driver, which reads inline rows or row files.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/datasource"
	"github.com/pitabwire/tabula/internal/definition"
	"github.com/pitabwire/tabula/internal/metadata"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/internal/openapi"
	"github.com/pitabwire/tabula/internal/table"
	"github.com/pitabwire/tabula/internal/tui"
	"github.com/pitabwire/tabula/model"
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("tabula-tui", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to configuration file (optional)")
	directories := flags.StringSliceP("definitions", "d", nil, "definition directories (overrides the configuration)")
	tableID := flags.StringP("table", "t", "", "ID of the table to show")
	subject := flags.String("subject", "tui", "subject the table is read as")
	roles := flags.StringSlice("role", nil, "roles of the subject")
	logFile := flags.String("log-file", "", "write JSON logs to this file")
	logLevel := flags.String("log-level", "info", "log level")
	light := flags.Bool("light", false, "use colors for light terminals")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "flag error: %v\n", err)
		return 2
	}
	if *tableID == "" {
		fmt.Fprintln(os.Stderr, "flag error: --table is required")
		return 2
	}

	cfg := config.Defaults()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	if len(*directories) > 0 {
		cfg.Definitions.Directories = *directories
	}
	if len(cfg.Definitions.Directories) == 0 {
		fmt.Fprintln(os.Stderr, "flag error: no definition directories")
		return 2
	}

	// The terminal belongs to the viewer, so logs go to a file or nowhere.
	logger := zap.NewNop()
	if *logFile != "" {
		cfg.Observability.LogOutput = *logFile
		cfg.Observability.LogLevel = *logLevel
		l, err := observability.NewLogger(cfg.Observability)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
			return 1
		}
		logger = l
		defer logger.Sync()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	oaIndex := openapi.NewIndex()
	if err := oaIndex.Load(openapi.SourcesFromConfig(cfg.Specs)); err != nil {
		fmt.Fprintf(os.Stderr, "OpenAPI index load failed: %v\n", err)
		return 1
	}

	loader := definition.NewLoader()
	if cfg.Definitions.Strict {
		loader = definition.NewLoader(definition.Strict())
	}
	defs, err := loader.LoadAll(cfg.Definitions.Directories)
	if err != nil {
		fmt.Fprintf(os.Stderr, "definition loading failed: %v\n", err)
		return 1
	}
	if *configPath == "" {
		cfg.Datasources = staticDatasources(defs)
	}
	validator := definition.NewValidator(definition.DatasourceRefs(cfg.Datasources), cfg.Tables.MaxPageSize)
	if verrs := validator.Validate(defs, oaIndex); len(verrs) > 0 {
		for _, ve := range verrs {
			fmt.Fprintln(os.Stderr, ve.Error())
		}
		return 1
	}

	catalog := metadata.NewCatalog(definition.NewRegistry(defs), cfg.Tables)
	rctx := &model.RequestContext{SubjectID: *subject, Roles: *roles}
	resolved, err := catalog.Resolve(rctx, *tableID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "table %s: %v\n", *tableID, err)
		return 1
	}

	sources, err := datasource.NewManager(ctx, cfg, oaIndex, datasource.WithManagerLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "datasource initialization failed: %v\n", err)
		return 1
	}
	defer sources.Close()

	src, err := sources.Source(resolved.Definition, resolved.Columns, resolved.Version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "table %s: %v\n", *tableID, err)
		return 1
	}

	engine := table.NewClientEngine(resolved.Columns, nil, resolved.EngineOptions(table.WithLogger(logger))...)
	defer engine.Close()

	title := resolved.Definition.Title
	if title == "" {
		title = resolved.Definition.ID
	}
	opts := []tui.Option{
		tui.WithLoader(func(ctx context.Context) ([]model.Row, error) {
			page, err := src.Fetch(model.WithRequestContext(ctx, rctx), model.Query{})
			return page.Rows, err
		}),
		tui.WithSearchDelay(resolved.Debounce),
		tui.WithLogger(logger),
	}
	if *light {
		opts = append(opts, tui.WithTheme(tui.LightTheme))
	}
	viewer := tui.New(title, engine, opts...)
	defer viewer.Close()

	program := tea.NewProgram(viewer, tea.WithAltScreen(), tea.WithContext(ctx))
	viewer.Attach(program.Send)

	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// staticDatasources maps every datasource named by defs to the static
// driver.
func staticDatasources(defs []model.DomainDefinition) map[string]config.DatasourceConfig {
	out := make(map[string]config.DatasourceConfig)
	for _, d := range defs {
		for _, t := range d.Tables {
			if name := t.Source.Datasource; name != "" {
				out[name] = config.DatasourceConfig{Driver: config.DriverStatic}
			}
		}
	}
	return out
}
