// Package streaming fans execution and commit events out to live subscribers.
package streaming

import (
	"context"
	"slices"

	"github.com/rendis/actseq/pkg/schema"
)

// Filter selects the events a subscriber receives. Zero fields match everything.
type Filter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	Collection  string   `json:"collection,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// Match reports whether e passes the filter.
func (f Filter) Match(e *schema.Event) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if f.Collection != "" && f.Collection != e.Collection {
		return false
	}
	return len(f.EventTypes) == 0 || slices.Contains(f.EventTypes, e.Type)
}

// EventHub is a pub/sub channel for events as they happen.
type EventHub interface {
	Publish(ctx context.Context, event *schema.Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan schema.Event, func(), error)
}
