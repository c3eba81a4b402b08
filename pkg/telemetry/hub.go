package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/odvcencio/usercache/pkg/usercache"
)

const hubBuffer = 64

// Filter selects the events a subscriber receives.
type Filter func(usercache.Event) bool

// DocumentWrites passes puts of Document and ReadWriteDocument entries, the
// writes a sync upload would carry.
func DocumentWrites(e usercache.Event) bool {
	return e.Type == usercache.EventEntryPut && e.EntryType.IsDocument()
}

// OfType passes events whose Type is one of types.
func OfType(types ...usercache.EventType) Filter {
	return func(e usercache.Event) bool {
		for _, t := range types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
}

type subscriber struct {
	ch      chan usercache.Event
	filters []Filter
}

func (s *subscriber) wants(e usercache.Event) bool {
	for _, f := range s.filters {
		if !f(e) {
			return false
		}
	}
	return true
}

// Hub fans cache events out to subscribers. Attach it to a store with
// usercache.WithObserver. A subscriber that falls behind loses events; the
// losses are counted in Dropped.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	closed  bool
	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// HandleCacheEvent implements usercache.Observer.
func (h *Hub) HandleCacheEvent(event usercache.Event) {
	h.Publish(event)
}

// Publish never blocks.
func (h *Hub) Publish(event usercache.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for s := range h.subs {
		if !s.wants(event) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel of future events matching every filter, and
// a func that unsubscribes and closes the channel. After Close the channel
// is already closed.
func (h *Hub) Subscribe(filters ...Filter) (<-chan usercache.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := &subscriber{ch: make(chan usercache.Event, hubBuffer), filters: filters}
	if h.closed {
		close(s.ch)
		return s.ch, func() {}
	}
	h.subs[s] = struct{}{}

	return s.ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[s]; ok {
			delete(h.subs, s)
			close(s.ch)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber's
// buffer was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		close(s.ch)
		delete(h.subs, s)
	}
}
