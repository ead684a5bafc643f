// Package state implements the schema-validated collection store that action
// sequences read and write.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rendis/actseq/internal/validation"
	"github.com/rendis/actseq/pkg/schema"
)

// DefaultFunc produces the value returned for an absent entry.
type DefaultFunc func() any

// Entry is a committed collection value.
type Entry struct {
	ID        string    `json:"id"`
	Value     any       `json:"value"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Write methods recorded on a Commit.
const (
	MethodReplace = "replace"
	MethodMerge   = "merge"
	MethodPush    = "push"
)

// Commit describes one successful write.
type Commit struct {
	Name     string    `json:"name"`
	ID       string    `json:"id"`
	Value    any       `json:"value"`
	Previous any       `json:"previous,omitempty"`
	Version  int64     `json:"version"`
	Method   string    `json:"method"`
	At       time.Time `json:"at"`

	// ListenerErrors holds one LISTENER_ERROR per failed listener. They never
	// undo the write.
	ListenerErrors []*schema.Error `json:"listener_errors,omitempty"`
}

// ListenerErr joins the listener failures of the commit, or returns nil.
func (c *Commit) ListenerErr() error {
	if len(c.ListenerErrors) == 0 {
		return nil
	}
	errs := make([]error, len(c.ListenerErrors))
	for i, e := range c.ListenerErrors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// Dispatcher runs the handler of a listener matching a commit.
type Dispatcher interface {
	DispatchListener(ctx context.Context, l schema.Listener, c Commit) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, l schema.Listener, c Commit) error

func (f DispatcherFunc) DispatchListener(ctx context.Context, l schema.Listener, c Commit) error {
	return f(ctx, l, c)
}

// Observer is notified of every commit before listeners run.
type Observer interface {
	OnCommit(ctx context.Context, c Commit)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, c Commit)

func (f ObserverFunc) OnCommit(ctx context.Context, c Commit) { f(ctx, c) }

// Config configures a Store.
type Config struct {
	Validator validation.Validator
	Logger    *slog.Logger
	NewID     func() string
	Now       func() time.Time
}

// Store holds named collections. Writers to one collection are serialized;
// reads are concurrent snapshot reads.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
	listeners   []schema.Listener
	dispatcher  Dispatcher
	observers   []Observer

	validator validation.Validator
	logger    *slog.Logger
	newID     func() string
	now       func() time.Time
}

// New creates an empty Store.
func New(cfg Config) *Store {
	s := &Store{
		collections: make(map[string]*collection),
		validator:   cfg.Validator,
		logger:      cfg.Logger,
		newID:       cfg.NewID,
		now:         cfg.Now,
	}
	if s.validator == nil {
		s.validator = validation.NewJSONSchemaValidator()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// SetDispatcher installs the listener dispatcher. Without one, listeners are
// recorded but never run.
func (s *Store) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcher = d
}

// Observe registers an observer notified of every commit.
func (s *Store) Observe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// DefineCollection registers a collection. Redefining a collection with an
// identical schema is a no-op; any other redefinition is a SCHEMA_CONFLICT.
// def may be a plain value or a DefaultFunc.
func (s *Store) DefineCollection(name string, desc *schema.TypeDescriptor, def any) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "collection name is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.collections[name]; ok {
		if validation.Equal(existing.schema, desc) {
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeSchemaConflict,
			"collection %q already defined with a different schema", name)
	}

	c := &collection{
		name:      name,
		schema:    desc,
		entry:     desc.EntrySchema(),
		relations: validation.Relations(desc),
		entries:   make(map[string]*Entry),
	}
	switch d := def.(type) {
	case DefaultFunc:
		c.defaultFn = d
	case func() any:
		c.defaultFn = d
	case nil:
	default:
		v, err := normalize(d)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "default of %q is not JSON-compatible", name).WithCause(err)
		}
		c.defaultValue = v
	}
	s.collections[name] = c

	s.logger.Debug("collection defined", slog.String("collection", name))
	return nil
}

// HasCollection reports whether name is defined.
func (s *Store) HasCollection(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.collections[name]
	return ok
}

// Collections returns the defined collection names, sorted.
func (s *Store) Collections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return schema.SortedKeys(s.collections)
}

// Schema returns the descriptor a collection was defined with.
func (s *Store) Schema(name string) (*schema.TypeDescriptor, error) {
	c, err := s.collection(name)
	if err != nil {
		return nil, err
	}
	return c.schema, nil
}

// Get returns the entry value, or every entry keyed by id when id is empty.
// An absent entry yields the collection default.
func (s *Store) Get(name, id string) (any, error) {
	c, err := s.collection(name)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return c.all(), nil
	}
	if e, ok := c.get(id); ok {
		return cloneValue(e.Value), nil
	}
	return c.fallback()
}

// GetEntry returns a copy of the committed entry. ok is false when the entry is absent.
func (s *Store) GetEntry(name, id string) (Entry, bool, error) {
	c, err := s.collection(name)
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := c.get(id)
	if !ok {
		return Entry{}, false, nil
	}
	out := *e
	out.Value = cloneValue(e.Value)
	return out, true, nil
}

// Has reports whether an entry is committed.
func (s *Store) Has(name, id string) bool {
	c, err := s.collection(name)
	if err != nil {
		return false
	}
	_, ok := c.get(id)
	return ok
}

// Entries returns copies of every committed entry of a collection, sorted by id.
func (s *Store) Entries(name string) ([]Entry, error) {
	c, err := s.collection(name)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, id := range schema.SortedKeys(c.entries) {
		e := *c.entries[id]
		e.Value = cloneValue(e.Value)
		out = append(out, e)
	}
	return out, nil
}

// Set validates and commits a write, then runs matching listeners in
// registration order before returning. A rejected write leaves the store
// unchanged.
func (s *Store) Set(ctx context.Context, name string, value any, opts schema.WriteOptions) (*Commit, error) {
	method, err := writeMethod(opts)
	if err != nil {
		return nil, err
	}
	c, err := s.collection(name)
	if err != nil {
		return nil, err
	}
	v, err := normalize(value)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "value is not JSON-compatible").
			WithPath("/").WithCause(err)
	}

	id := opts.ID
	if id == "" {
		id = s.newID()
	}

	commit, err := s.commit(c, id, v, method)
	if err != nil {
		return nil, err
	}

	s.logger.DebugContext(ctx, "entry committed",
		slog.String("collection", name),
		slog.String("id", id),
		slog.Int64("version", commit.Version),
		slog.String("method", method),
	)

	s.mu.RLock()
	observers := append([]Observer(nil), s.observers...)
	s.mu.RUnlock()
	for _, o := range observers {
		o.OnCommit(ctx, *commit)
	}

	s.notify(ctx, commit)
	return commit, nil
}

// commit computes, validates and stores the next value under the collection's
// writer lock.
func (s *Store) commit(c *collection, id string, v any, method string) (*Commit, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	prev, exists := c.get(id)
	var current any
	if exists {
		current = prev.Value
	}

	next, err := s.apply(c, current, exists, v, method)
	if err != nil {
		return nil, err
	}
	if err := s.validator.ValidateValue(c.entry, next); err != nil {
		return nil, withCollection(err, c.name)
	}
	if err := s.checkRelations(c, next); err != nil {
		return nil, err
	}

	entry := &Entry{ID: id, Value: next, Version: 1, UpdatedAt: s.now()}
	if exists {
		entry.Version = prev.Version + 1
	}

	c.mu.Lock()
	c.entries[id] = entry
	c.mu.Unlock()

	return &Commit{
		Name:     c.name,
		ID:       id,
		Value:    cloneValue(next),
		Previous: cloneValue(current),
		Version:  entry.Version,
		Method:   method,
		At:       entry.UpdatedAt,
	}, nil
}

func (s *Store) apply(c *collection, current any, exists bool, v any, method string) (any, error) {
	switch method {
	case MethodMerge:
		patch, ok := v.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeTypeMismatch,
				"merge into %q requires an object value, got %s", c.name, kindOf(v))
		}
		base := current
		if !exists {
			d, err := c.fallback()
			if err != nil {
				return nil, err
			}
			base = d
		}
		var target map[string]any
		switch b := base.(type) {
		case map[string]any:
			target = b
		case nil:
			target = map[string]any{}
		default:
			return nil, schema.NewErrorf(schema.ErrCodeTypeMismatch,
				"merge into %q requires an object entry, got %s", c.name, kindOf(base))
		}
		merged := make(map[string]any, len(target)+len(patch))
		for k, val := range target {
			merged[k] = cloneValue(val)
		}
		for k, val := range patch {
			merged[k] = val
		}
		return merged, nil

	case MethodPush:
		if !exists {
			return []any{v}, nil
		}
		arr, ok := current.([]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeTypeMismatch,
				"push onto %q requires an array entry, got %s", c.name, kindOf(current))
		}
		out := make([]any, 0, len(arr)+1)
		for _, item := range arr {
			out = append(out, cloneValue(item))
		}
		return append(out, v), nil

	default:
		return v, nil
	}
}

func (s *Store) notify(ctx context.Context, commit *Commit) {
	s.mu.RLock()
	d := s.dispatcher
	var matched []schema.Listener
	for _, l := range s.listeners {
		if l.Matches(commit.Name, commit.ID) {
			matched = append(matched, l)
		}
	}
	s.mu.RUnlock()

	if d == nil || len(matched) == 0 {
		return
	}

	for _, l := range matched {
		if err := d.DispatchListener(ctx, l, *commit); err != nil {
			lerr := schema.NewErrorf(schema.ErrCodeListener,
				"listener %q on %s/%s failed", l.Handler, l.Name, l.ID).
				WithCause(err).
				WithDetails(map[string]any{"handler": l.Handler, "collection": commit.Name, "id": commit.ID})
			commit.ListenerErrors = append(commit.ListenerErrors, lerr)
			s.logger.WarnContext(ctx, "listener failed",
				slog.String("handler", l.Handler),
				slog.String("collection", commit.Name),
				slog.String("id", commit.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// AddListener registers a listener. Registering the same (name, id, handler)
// triple twice is a no-op.
func (s *Store) AddListener(l schema.Listener) error {
	if l.Name == "" || l.Handler == "" {
		return schema.NewError(schema.ErrCodeValidation, "listener requires name and handler")
	}
	if l.ID == "" {
		l.ID = schema.Wildcard
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[l.Name]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "collection %q is not defined", l.Name)
	}
	for _, existing := range s.listeners {
		if existing.Key() == l.Key() {
			return nil
		}
	}
	s.listeners = append(s.listeners, l)
	return nil
}

// RemoveListener unregisters a listener and reports whether it was present.
func (s *Store) RemoveListener(l schema.Listener) bool {
	if l.ID == "" {
		l.ID = schema.Wildcard
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.listeners {
		if existing.Key() == l.Key() {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Listeners returns the listeners registered on a collection, in registration order.
func (s *Store) Listeners(name string) []schema.Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []schema.Listener
	for _, l := range s.listeners {
		if l.Name == name {
			out = append(out, l)
		}
	}
	return out
}

// Load writes an entry with a known version without notifying observers or
// listeners. Used when restoring from a journal; relations are not checked
// since entries may arrive in any order.
func (s *Store) Load(name, id string, value any, version int64) error {
	c, err := s.collection(name)
	if err != nil {
		return err
	}
	v, err := normalize(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "value is not JSON-compatible").WithCause(err)
	}
	if err := s.validator.ValidateValue(c.entry, v); err != nil {
		return withCollection(err, name)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = &Entry{ID: id, Value: v, Version: version, UpdatedAt: s.now()}
	return nil
}

func (s *Store) collection(name string) (*collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "collection %q is not defined", name)
	}
	return c, nil
}

// writeMethod resolves the single write method selected by opts.
func writeMethod(opts schema.WriteOptions) (string, error) {
	if opts.Update != nil && opts.Update.Method != "" && opts.Update.Method != schema.UpdateMethodPush {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "unsupported update method %q", opts.Update.Method).
			WithPath("/options/update/method")
	}
	n := 0
	method := MethodReplace
	if opts.Replace {
		n++
	}
	if opts.Merge {
		n++
		method = MethodMerge
	}
	if opts.IsPush() {
		n++
		method = MethodPush
	}
	if n > 1 {
		return "", schema.NewError(schema.ErrCodeValidation, "options select more than one of replace, merge and push").
			WithPath("/options")
	}
	return method, nil
}

func withCollection(err error, name string) error {
	var se *schema.Error
	if errors.As(err, &se) {
		if se.Details == nil {
			se.Details = map[string]any{}
		}
		se.Details["collection"] = name
		return se
	}
	return err
}

// normalize converts v into its JSON data model (maps, slices, float64,
// string, bool, nil) so stored values never alias caller memory.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	default:
		return "unknown"
	}
}
