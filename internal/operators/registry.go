package operators

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/actseq/internal/validation"
	"github.com/rendis/actseq/pkg/schema"
)

// Registry is the thread-safe operator table. Once sealed it rejects new
// registrations so compiled sequences can never name an operator that
// disappears or changes.
type Registry struct {
	mu        sync.RWMutex
	operators map[string]Operator
	sealed    bool
	validator validation.Validator
}

// Info is a registry listing entry.
type Info struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Deferred    []string `json:"deferred,omitempty"`
}

// NewRegistry creates an empty Registry. A nil validator uses the JSON Schema validator.
func NewRegistry(v validation.Validator) *Registry {
	if v == nil {
		v = validation.NewJSONSchemaValidator()
	}
	return &Registry{
		operators: make(map[string]Operator),
		validator: v,
	}
}

// Register adds an operator. Duplicate names are a CONFLICT.
func (r *Registry) Register(op Operator) error {
	return r.RegisterAll(op)
}

// RegisterAll adds every operator or none of them. Errors carry the
// offending name in Details["operator"].
func (r *Registry) RegisterAll(ops ...Operator) error {
	for _, op := range ops {
		if err := checkOperator(op); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	batch := make(map[string]bool, len(ops))
	for _, op := range ops {
		name := op.Name()
		switch {
		case r.sealed:
			return conflict(name, "registry is sealed; cannot register %q")
		case batch[name]:
			return conflict(name, "operator %q is declared twice")
		}
		if _, exists := r.operators[name]; exists {
			return conflict(name, "operator %q already registered")
		}
		batch[name] = true
	}
	for _, op := range ops {
		r.operators[op.Name()] = op
	}
	return nil
}

func checkOperator(op Operator) error {
	if op == nil {
		return schema.NewError(schema.ErrCodeValidation, "operator is nil")
	}
	switch name := op.Name(); name {
	case "":
		return schema.NewError(schema.ErrCodeValidation, "operator name is empty")
	case schema.RefKey:
		return schema.NewErrorf(schema.ErrCodeValidation, "operator name %q is reserved", name).
			WithDetails(map[string]any{"operator": name})
	}
	return nil
}

func conflict(name, format string) error {
	return schema.NewErrorf(schema.ErrCodeConflict, format, name).WithDetails(map[string]any{"operator": name})
}

// Seal freezes the registry.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Sealed reports whether Seal was called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Get retrieves an operator by name.
func (r *Registry) Get(name string) (Operator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, ok := r.operators[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownOperator, "operator %q not registered", name)
	}
	return op, nil
}

// Has checks if an operator is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.operators[name]
	return ok
}

// Deferred returns the deferred argument names of an operator.
func (r *Registry) Deferred(name string) []string {
	op, err := r.Get(name)
	if err != nil {
		return nil
	}
	return op.Schema().Deferred
}

// List returns every registered operator, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.operators))
	for _, op := range r.operators {
		s := op.Schema()
		infos = append(infos, Info{Name: op.Name(), Description: s.Description, Deferred: s.Deferred})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Count returns the number of registered operators.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.operators)
}

// Invoke validates call.Args against the operator's input schema and runs it.
func (r *Registry) Invoke(ctx context.Context, name string, call *Call) (any, error) {
	op, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if call.Args == nil {
		call.Args = map[string]any{}
	}
	if in := op.Schema().InputSchema; len(in) > 0 {
		if err := r.validator.ValidateInput(call.Args, in); err != nil {
			return nil, err
		}
	}
	return op.Invoke(ctx, call)
}
