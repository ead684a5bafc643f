package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/rendis/actseq/internal/logging"
	"github.com/rendis/actseq/internal/operators"
	"github.com/rendis/actseq/internal/state"
	"github.com/rendis/actseq/pkg/schema"
)

// Sequences compiles and stores sequence definitions. Satisfied by *engine.Library.
type Sequences interface {
	Define(ctx context.Context, id string, def any) (*schema.Sequence, error)
	Has(id string) bool
}

// TriggerSink accepts cron trigger declarations. Satisfied by *scheduler.Scheduler.
type TriggerSink interface {
	AddTrigger(t schema.TriggerDecl) error
}

// Config wires a Loader to the runtime.
type Config struct {
	Store     *state.Store
	Registry  *operators.Registry
	Sequences Sequences
	Triggers  TriggerSink // nil: trigger declarations are rejected
	// Seal seals the operator registry once the first Load has registered
	// every operator, so later compilation sees a fixed operator set.
	Seal   bool
	Logger *slog.Logger
}

// Loader registers plugins. Plugins loaded by earlier calls satisfy the
// dependencies of later ones.
type Loader struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	loaded map[string]bool
	order  []schema.PluginDecl
}

func NewLoader(cfg Config) *Loader {
	return &Loader{cfg: cfg, logger: logging.Discard(cfg.Logger), loaded: make(map[string]bool)}
}

// Load registers plugins in dependency order. Collections and operators are
// registered for every plugin before any sequence is compiled, so a
// sequence may use operators of any plugin in the batch. Ordering,
// collection and operator errors abort the load before any operator is
// registered; sequence, listener and
// trigger errors are collected and the rest of the batch still loads. A
// sequence that fails to compile is never stored.
func (l *Loader) Load(ctx context.Context, plugins ...*Plugin) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ordered, err := Order(plugins, l.loaded)
	if err != nil {
		return err
	}

	for _, p := range ordered {
		if err := l.registerData(p); err != nil {
			return err
		}
	}
	if err := l.registerOperators(ordered); err != nil {
		return err
	}
	if l.cfg.Seal {
		l.cfg.Registry.Seal()
	}

	var errs []error
	for _, p := range ordered {
		errs = append(errs, l.defineSequences(ctx, p)...)
	}
	for _, p := range ordered {
		errs = append(errs, l.bind(p)...)
		l.loaded[p.Name] = true
		l.order = append(l.order, schema.PluginDecl{Name: p.Name, Version: p.Version, Dependencies: p.Dependencies})
		l.logger.InfoContext(ctx, "plugin loaded",
			slog.String("plugin", p.Name),
			slog.String("version", p.Version),
			slog.Int("collections", len(p.Data)),
			slog.Int("operators", len(p.Operators)),
			slog.Int("sequences", len(p.Sequences)),
		)
	}
	return errors.Join(errs...)
}

// Loaded returns name, version and dependencies of loaded plugins in load order.
func (l *Loader) Loaded() []schema.PluginDecl {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.order)
}

func (l *Loader) registerData(p *Plugin) error {
	for _, name := range slices.Sorted(maps.Keys(p.Data)) {
		decl := p.Data[name]
		if decl.Schema == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "plugin %s: collection %q has no schema", p.Name, name)
		}
		if err := l.cfg.Store.DefineCollection(name, decl.Schema, decl.Default); err != nil {
			return fmt.Errorf("plugin %s: collection %s: %w", p.Name, name, err)
		}
	}
	return nil
}

// registerOperators registers the operators of the whole batch or none of
// them, so a failed batch can be retried.
func (l *Loader) registerOperators(ordered []*Plugin) error {
	var ops []operators.Operator
	owner := make(map[string]string)
	for _, p := range ordered {
		for _, op := range p.Operators {
			ops = append(ops, op)
			if op != nil {
				if _, seen := owner[op.Name()]; !seen {
					owner[op.Name()] = p.Name
				}
			}
		}
	}
	err := l.cfg.Registry.RegisterAll(ops...)
	if err == nil {
		return nil
	}
	var se *schema.Error
	if errors.As(err, &se) {
		if name, ok := se.Details["operator"].(string); ok && owner[name] != "" {
			return fmt.Errorf("plugin %s: %w", owner[name], err)
		}
	}
	return fmt.Errorf("plugins: %w", err)
}

func (l *Loader) defineSequences(ctx context.Context, p *Plugin) []error {
	var errs []error
	for _, id := range slices.Sorted(maps.Keys(p.Sequences)) {
		if _, err := l.cfg.Sequences.Define(ctx, id, p.Sequences[id]); err != nil {
			l.logger.WarnContext(ctx, "sequence rejected",
				slog.String("plugin", p.Name),
				slog.String("sequence", id),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("plugin %s: sequence %s: %w", p.Name, id, err))
		}
	}
	return errs
}

// bind attaches the plugin's listeners and triggers; both must name a
// defined sequence.
func (l *Loader) bind(p *Plugin) []error {
	var errs []error
	for _, ln := range p.Listeners {
		if !l.cfg.Sequences.Has(ln.Handler) {
			errs = append(errs, fmt.Errorf("plugin %s: listener %s/%s: %w", p.Name, ln.Name, ln.ID,
				schema.NewErrorf(schema.ErrCodeNotFound, "handler sequence %q is not defined", ln.Handler)))
			continue
		}
		if err := l.cfg.Store.AddListener(ln); err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: listener %s/%s: %w", p.Name, ln.Name, ln.ID, err))
		}
	}
	for _, tr := range p.Triggers {
		var err error
		switch {
		case l.cfg.Triggers == nil:
			err = schema.NewError(schema.ErrCodeValidation, "no scheduler is configured")
		case !l.cfg.Sequences.Has(tr.Sequence):
			err = schema.NewErrorf(schema.ErrCodeNotFound, "sequence %q is not defined", tr.Sequence)
		default:
			err = l.cfg.Triggers.AddTrigger(tr)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: trigger %s: %w", p.Name, tr.ID, err))
		}
	}
	return errs
}
