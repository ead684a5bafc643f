package streaming

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rendis/actseq/pkg/schema"
)

const defaultBuffer = 64

type subscriber struct {
	ch     chan schema.Event
	filter Filter
}

// MemoryHub is an in-process EventHub. Publishing never blocks: a
// subscriber whose buffer is full misses the event and Dropped grows.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  atomic.Uint64
	dropped atomic.Uint64
	buffer  int
}

// NewMemoryHub creates a hub whose subscriptions buffer up to buffer events
// (64 when buffer <= 0).
func NewMemoryHub(buffer int) *MemoryHub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &MemoryHub{subs: make(map[uint64]*subscriber), buffer: buffer}
}

// Publish delivers a copy of event to every matching subscriber.
func (h *MemoryHub) Publish(ctx context.Context, event *schema.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.filter.Match(event) {
			continue
		}
		select {
		case sub.ch <- *event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// AppendEvent lets the hub sit behind an engine event appender.
func (h *MemoryHub) AppendEvent(ctx context.Context, event *schema.Event) error {
	return h.Publish(ctx, event)
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan schema.Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.nextID.Add(1)
	sub := &subscriber{ch: make(chan schema.Event, h.buffer), filter: filter}

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}

// Subscribers returns the number of active subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for full buffers.
func (h *MemoryHub) Dropped() uint64 { return h.dropped.Load() }
