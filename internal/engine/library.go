package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/rendis/actseq/internal/compiler"
	"github.com/rendis/actseq/internal/state"
	"github.com/rendis/actseq/pkg/schema"
)

// ReservedCollections are defined by the engine on every store.
var ReservedCollections = map[string]*schema.TypeDescriptor{
	schema.CollectionSequences: {
		Type: schema.TypeCollection,
		Items: &schema.TypeDescriptor{
			Type:     schema.TypeObject,
			Required: []string{"id", "blockCount", "operators"},
			Properties: map[string]*schema.TypeDescriptor{
				"id":         {Type: schema.TypeString},
				"parent":     {Type: schema.TypeString},
				"blockCount": {Type: schema.TypeInteger},
				"operators":  {Type: schema.TypeArray, Items: &schema.TypeDescriptor{Type: schema.TypeString}},
				"children":   {Type: schema.TypeArray, Items: &schema.TypeDescriptor{Type: schema.TypeString}},
			},
		},
	},
	schema.CollectionBlocks: {
		Type: schema.TypeCollection,
		Items: &schema.TypeDescriptor{
			Type: schema.TypeArray,
			Items: &schema.TypeDescriptor{
				Type:     schema.TypeObject,
				Required: []string{"index", "operator", "sequenceId", "parent", "position"},
				Properties: map[string]*schema.TypeDescriptor{
					"index":      {Type: schema.TypeInteger},
					"operator":   {Type: schema.TypeString},
					"args":       {Type: schema.TypeObject},
					"sequenceId": {Type: schema.TypeString},
					"parent":     {Type: schema.TypeInteger},
					"position":   {Type: schema.TypeInteger},
				},
			},
		},
	},
	schema.CollectionVariables: {
		Type:  schema.TypeCollection,
		Items: &schema.TypeDescriptor{Type: schema.TypeObject},
	},
}

// DefineReserved defines the reserved collections on s.
func DefineReserved(s *state.Store) error {
	names := make([]string, 0, len(ReservedCollections))
	for name := range ReservedCollections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.DefineCollection(name, ReservedCollections[name], nil); err != nil {
			return err
		}
	}
	return nil
}

type cachedSequence struct {
	version int64
	seq     *schema.Sequence
}

// Library compiles sequences and keeps them in the reserved store collections:
// a record per sequence in action/sequences and its blocks in action/blocks.
// Decoded sequences are cached by (id, version) of the blocks entry.
type Library struct {
	store    *state.Store
	compiler *compiler.Compiler

	mu    sync.RWMutex
	cache map[string]cachedSequence
}

// NewLibrary creates a Library over s. The reserved collections must exist.
func NewLibrary(s *state.Store, c *compiler.Compiler) *Library {
	return &Library{
		store:    s,
		compiler: c,
		cache:    make(map[string]cachedSequence),
	}
}

// Define compiles def and stores the sequence with its inline children.
// Nothing is stored when compilation fails.
func (l *Library) Define(ctx context.Context, id string, def any) (*schema.Sequence, error) {
	seq, err := l.compiler.Compile(id, def)
	if err != nil {
		return nil, err
	}
	if err := l.Put(ctx, seq); err != nil {
		return nil, err
	}
	return seq, nil
}

// Put stores an already compiled sequence and its children.
func (l *Library) Put(ctx context.Context, seq *schema.Sequence) error {
	var err error
	seq.Walk(func(s *schema.Sequence) {
		if err != nil {
			return
		}
		if _, err = l.store.Set(ctx, schema.CollectionBlocks, s.Blocks, schema.WriteOptions{ID: s.ID, Replace: true}); err != nil {
			return
		}
		_, err = l.store.Set(ctx, schema.CollectionSequences, recordOf(s), schema.WriteOptions{ID: s.ID, Replace: true})
	})
	return err
}

func recordOf(s *schema.Sequence) schema.SequenceRecord {
	rec := schema.SequenceRecord{
		ID:         s.ID,
		Parent:     s.Parent,
		BlockCount: len(s.Blocks),
		Operators:  []string{},
	}
	seen := map[string]bool{}
	for _, b := range s.Blocks {
		if !seen[b.Operator] {
			seen[b.Operator] = true
			rec.Operators = append(rec.Operators, b.Operator)
		}
	}
	sort.Strings(rec.Operators)
	for _, c := range s.Children {
		rec.Children = append(rec.Children, c.ID)
	}
	return rec
}

// Has reports whether a sequence is stored.
func (l *Library) Has(id string) bool {
	return l.store.Has(schema.CollectionBlocks, id)
}

// Blocks returns the flat blocks of a sequence, without children.
func (l *Library) Blocks(id string) (*schema.Sequence, error) {
	e, ok, err := l.store.GetEntry(schema.CollectionBlocks, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "sequence %q is not defined", id).WithSequence(id)
	}

	l.mu.RLock()
	c, hit := l.cache[id]
	l.mu.RUnlock()
	if hit && c.version == e.Version {
		return c.seq, nil
	}

	rec, err := l.Record(id)
	if err != nil {
		return nil, err
	}
	seq := &schema.Sequence{ID: id, Parent: rec.Parent}
	if err := decode(e.Value, &seq.Blocks); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode blocks of %q", id).WithSequence(id).WithCause(err)
	}
	if seq.Blocks == nil {
		seq.Blocks = []schema.Block{}
	}

	l.mu.Lock()
	l.cache[id] = cachedSequence{version: e.Version, seq: seq}
	l.mu.Unlock()
	return seq, nil
}

// Load returns a sequence with its inline children attached.
func (l *Library) Load(id string) (*schema.Sequence, error) {
	flat, err := l.Blocks(id)
	if err != nil {
		return nil, err
	}
	rec, err := l.Record(id)
	if err != nil {
		return nil, err
	}
	out := &schema.Sequence{ID: flat.ID, Parent: flat.Parent, Blocks: flat.Blocks}
	for _, childID := range rec.Children {
		child, err := l.Load(childID)
		if err != nil {
			return nil, err
		}
		out.Children = append(out.Children, child)
	}
	return out, nil
}

// Record returns the stored metadata of a sequence.
func (l *Library) Record(id string) (schema.SequenceRecord, error) {
	var rec schema.SequenceRecord
	e, ok, err := l.store.GetEntry(schema.CollectionSequences, id)
	if err != nil {
		return rec, err
	}
	if !ok {
		return rec, schema.NewErrorf(schema.ErrCodeNotFound, "sequence %q is not defined", id).WithSequence(id)
	}
	if err := decode(e.Value, &rec); err != nil {
		return rec, schema.NewErrorf(schema.ErrCodeStore, "decode record of %q", id).WithSequence(id).WithCause(err)
	}
	return rec, nil
}

// List returns the records of every top-level sequence, sorted by id.
func (l *Library) List() ([]schema.SequenceRecord, error) {
	entries, err := l.store.Entries(schema.CollectionSequences)
	if err != nil {
		return nil, err
	}
	out := make([]schema.SequenceRecord, 0, len(entries))
	for _, e := range entries {
		var rec schema.SequenceRecord
		if err := decode(e.Value, &rec); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "decode record of %q", e.ID).WithCause(err)
		}
		if rec.Parent == "" {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func decode(in, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}
