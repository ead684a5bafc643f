// Package journal persists execution events and committed entries so a
// fresh State Store can be rebuilt after a restart.
package journal

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rendis/actseq/internal/state"
	"github.com/rendis/actseq/pkg/schema"
)

// Journal is an append-only event log with a materialized view of the latest
// committed value per entry. It satisfies engine.EventAppender.
type Journal interface {
	AppendEvent(ctx context.Context, event *schema.Event) error
	Events(ctx context.Context, filter EventFilter) ([]*schema.Event, error)
	Latest(ctx context.Context) ([]Entry, error)
	Close() error
}

// EventFilter narrows an Events query. Zero fields match everything.
type EventFilter struct {
	ExecutionID string
	SequenceID  string
	Collection  string
	EntryID     string
	Types       []string
	// AfterID returns only events with ID > AfterID.
	AfterID int64
	Limit   int
}

// Match reports whether e satisfies the filter, ignoring Limit.
func (f EventFilter) Match(e *schema.Event) bool {
	switch {
	case f.ExecutionID != "" && e.ExecutionID != f.ExecutionID:
		return false
	case f.SequenceID != "" && e.SequenceID != f.SequenceID:
		return false
	case f.Collection != "" && e.Collection != f.Collection:
		return false
	case f.EntryID != "" && e.EntryID != f.EntryID:
		return false
	case f.AfterID > 0 && e.ID <= f.AfterID:
		return false
	case len(f.Types) > 0 && !slices.Contains(f.Types, e.Type):
		return false
	}
	return true
}

// Entry is the latest committed value of one store entry.
type Entry struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Value      json.RawMessage `json:"value"`
	Version    int64           `json:"version"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// commitPayload is the payload shape of entry_committed events.
type commitPayload struct {
	Value   json.RawMessage `json:"value"`
	Version int64           `json:"version"`
	Method  string          `json:"method,omitempty"`
}

// entryOf extracts the committed entry carried by an entry_committed event.
func entryOf(e *schema.Event) (Entry, bool, error) {
	if e.Type != schema.EventEntryCommitted || e.Collection == "" || e.EntryID == "" {
		return Entry{}, false, nil
	}
	var p commitPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return Entry{}, false, fmt.Errorf("decode commit payload: %w", err)
	}
	if len(p.Value) == 0 {
		p.Value = json.RawMessage("null")
	}
	return Entry{
		Collection: e.Collection,
		ID:         e.EntryID,
		Value:      p.Value,
		Version:    p.Version,
		UpdatedAt:  e.Timestamp,
	}, true, nil
}

// streamOf returns the key that scopes an event's sequence number: the
// execution for execution events, the collection for store commits.
func streamOf(e *schema.Event) string {
	switch {
	case e.ExecutionID != "":
		return "exec:" + e.ExecutionID
	case e.Collection != "":
		return "coll:" + e.Collection
	default:
		return "global"
	}
}

// RestoreResult summarizes a Restore run.
type RestoreResult struct {
	Loaded  int
	Skipped int
}

// RestoreOption adjusts Restore.
type RestoreOption func(*restoreConfig)

type restoreConfig struct {
	skip map[string]bool
}

// SkipCollections leaves the named collections untouched.
func SkipCollections(names ...string) RestoreOption {
	return func(c *restoreConfig) {
		for _, n := range names {
			c.skip[n] = true
		}
	}
}

// Restore loads the journal's latest entries into s without notifying
// listeners. Entries of collections s does not define, or that an option
// skips, are counted as skipped; entries that fail validation are reported
// together after the rest are loaded.
func Restore(ctx context.Context, j Journal, s *state.Store, opts ...RestoreOption) (RestoreResult, error) {
	cfg := restoreConfig{skip: map[string]bool{}}
	for _, o := range opts {
		o(&cfg)
	}

	var res RestoreResult
	entries, err := j.Latest(ctx)
	if err != nil {
		return res, fmt.Errorf("read latest entries: %w", err)
	}

	var errs []error
	for _, e := range entries {
		if cfg.skip[e.Collection] || !s.HasCollection(e.Collection) {
			res.Skipped++
			continue
		}
		var v any
		if err := json.Unmarshal(e.Value, &v); err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", e.Collection, e.ID, err))
			continue
		}
		if err := s.Load(e.Collection, e.ID, v, e.Version); err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", e.Collection, e.ID, err))
			continue
		}
		res.Loaded++
	}
	return res, errors.Join(errs...)
}

func sortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		if c := cmp.Compare(a.Collection, b.Collection); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
