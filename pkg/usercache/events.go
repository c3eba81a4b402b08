package usercache

import (
	"sync"
	"time"
)

// EventType represents the type of cache event emitted.
type EventType string

// Cache event type constants.
const (
	EventEntryPut          EventType = "entry.put"
	EventDocumentRead      EventType = "document.read"
	EventDocumentUnchanged EventType = "document.unchanged"
	EventEntriesCleared    EventType = "entries.cleared"
	EventEntriesExported   EventType = "entries.exported"
	EventEntriesImported   EventType = "entries.imported"
)

// Event describes a change or read inside the cache.
type Event struct {
	Type      EventType `json:"type"`
	EntryType EntryType `json:"entryType,omitempty"`
	Key       string    `json:"key,omitempty"`
	Count     int64     `json:"count,omitempty"`
	Failed    int64     `json:"failed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Observer reacts to cache events.
type Observer interface {
	HandleCacheEvent(Event)
}

// ObserverFunc is a helper to turn a function into an Observer.
type ObserverFunc func(Event)

// HandleCacheEvent implements the Observer interface.
func (f ObserverFunc) HandleCacheEvent(e Event) {
	f(e)
}

type notifier struct {
	mu        sync.RWMutex
	observers []Observer
}

func (n *notifier) add(obs ...Observer) {
	n.mu.Lock()
	n.observers = append(n.observers, obs...)
	n.mu.Unlock()
}

// notify fans out events to observers without blocking the caller.
func (n *notifier) notify(event Event) {
	n.mu.RLock()
	observers := append([]Observer(nil), n.observers...)
	n.mu.RUnlock()

	if len(observers) == 0 {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, observer := range observers {
		observer := observer
		go observer.HandleCacheEvent(event)
	}
}
