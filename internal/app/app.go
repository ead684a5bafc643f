// Package app assembles the runtime: store, operators, compiler, sequence
// library, interpreter, event hub, scheduler and plugin loader.
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/actseq/internal/compiler"
	"github.com/rendis/actseq/internal/engine"
	"github.com/rendis/actseq/internal/journal"
	"github.com/rendis/actseq/internal/logging"
	"github.com/rendis/actseq/internal/metrics"
	"github.com/rendis/actseq/internal/operators"
	"github.com/rendis/actseq/internal/plugins"
	"github.com/rendis/actseq/internal/scheduler"
	"github.com/rendis/actseq/internal/state"
	"github.com/rendis/actseq/internal/streaming"
	"github.com/rendis/actseq/internal/validation"
	"github.com/rendis/actseq/pkg/schema"
)

// Options configures New. Zero values select defaults.
type Options struct {
	MaxDepth          int
	PoolSize          int
	HubBuffer         int
	SchedulerInterval time.Duration
	Journal           journal.Journal  // nil = no durable log
	Metrics           *metrics.Metrics // nil = no metrics
	Logger            *slog.Logger
}

// App is a fully wired runtime.
type App struct {
	Store       *state.Store
	Registry    *operators.Registry
	Compiler    *compiler.Compiler
	Library     *engine.Library
	Interpreter *engine.Interpreter
	Hub         *streaming.MemoryHub
	Scheduler   *scheduler.Scheduler
	Loader      *plugins.Loader
	Journal     journal.Journal
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

func New(opts Options) (*App, error) {
	logger := logging.Discard(opts.Logger)
	validator := validation.NewJSONSchemaValidator()

	a := &App{
		Hub:     streaming.NewMemoryHub(opts.HubBuffer),
		Journal: opts.Journal,
		Metrics: opts.Metrics,
		Logger:  logger,
	}

	a.Store = state.New(state.Config{Validator: validator, Logger: logger.With(slog.String("component", "state"))})
	if err := engine.DefineReserved(a.Store); err != nil {
		return nil, err
	}

	a.Registry = operators.NewRegistry(validator)
	if err := operators.RegisterBuiltins(a.Registry, operators.Deps{PoolSize: opts.PoolSize}); err != nil {
		return nil, err
	}
	a.Compiler = compiler.New(a.Registry)
	a.Library = engine.NewLibrary(a.Store, a.Compiler)

	appenders := engine.Appenders{a.Hub}
	if a.Journal != nil {
		appenders = append(appenders, a.Journal)
	}
	cfg := engine.Config{
		MaxDepth: opts.MaxDepth,
		Logger:   logger.With(slog.String("component", "engine")),
	}
	if a.Metrics != nil {
		appenders = append(appenders, a.Metrics)
		cfg.Recorder = a.Metrics
		a.Store.Observe(a.Metrics)
	}
	cfg.Appender = appenders
	a.Interpreter = engine.NewInterpreter(a.Store, a.Registry, a.Library, cfg)
	a.Store.SetDispatcher(a.Interpreter)
	a.Store.Observe(engine.CommitEvents(appenders))

	a.Scheduler = scheduler.New(a.Interpreter, scheduler.Config{
		Interval: opts.SchedulerInterval,
		Appender: appenders,
		Logger:   logger.With(slog.String("component", "scheduler")),
	})
	a.Loader = plugins.NewLoader(plugins.Config{
		Store:     a.Store,
		Registry:  a.Registry,
		Sequences: a.Library,
		Triggers:  a.Scheduler,
		Seal:      true,
		Logger:    logger.With(slog.String("component", "plugins")),
	})
	return a, nil
}

// LoadPlugins registers plugins and seals the operator registry.
func (a *App) LoadPlugins(ctx context.Context, ps ...*plugins.Plugin) error {
	return a.Loader.Load(ctx, ps...)
}

// Restore reloads the journal's latest entries. Call it after plugins have
// defined their collections. The sequence library is not restored: it is
// rebuilt by whatever defines sequences at startup, so an edited plugin is
// never shadowed by journaled blocks.
func (a *App) Restore(ctx context.Context) (journal.RestoreResult, error) {
	if a.Journal == nil {
		return journal.RestoreResult{}, nil
	}
	res, err := journal.Restore(ctx, a.Journal, a.Store,
		journal.SkipCollections(schema.CollectionSequences, schema.CollectionBlocks))
	a.Logger.InfoContext(ctx, "store restored",
		slog.Int("loaded", res.Loaded),
		slog.Int("skipped", res.Skipped),
	)
	return res, err
}

// Start runs the trigger scheduler.
func (a *App) Start(ctx context.Context) error {
	return a.Scheduler.Start(ctx)
}

// Close stops the scheduler and closes the journal.
func (a *App) Close() error {
	a.Scheduler.Stop()
	var errs []error
	if a.Journal != nil {
		errs = append(errs, a.Journal.Close())
	}
	return errors.Join(errs...)
}
