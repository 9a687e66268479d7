// Package status broadcasts sync state snapshots to registered observers.
package status

import (
	"sync"
	"time"
)

// ItemError describes one record that repeatedly failed to push.
type ItemError struct {
	Key         string    `json:"key"` // "table:id"
	Table       string    `json:"table"`
	ID          string    `json:"id"`
	Message     string    `json:"message"`
	Attempts    int       `json:"attempts"`
	Quarantined bool      `json:"quarantined"`
	LastTriedAt time.Time `json:"last_tried_at"`
}

// Snapshot is the full sync state delivered on every transition.
type Snapshot struct {
	IsSyncing           bool        `json:"is_syncing"`
	LastSyncAt          time.Time   `json:"last_sync_at"`
	PendingCount        int         `json:"pending_count"`
	ErrorCount          int         `json:"error_count"`
	Errors              []ItemError `json:"errors"`
	InitialSyncComplete bool        `json:"initial_sync_complete"`
}

// Bus is an observer registry. Subscribers get the current snapshot
// immediately on registration and a fresh one on every publish.
type Bus struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]func(Snapshot)
	current   Snapshot
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[int]func(Snapshot))}
}

// OnChange registers fn and invokes it once with the current snapshot.
// The returned function unregisters fn and is safe to call more than once.
func (b *Bus) OnChange(fn func(Snapshot)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	current := b.current
	b.mu.Unlock()

	fn(current)

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Publish records snap as current and notifies every listener.
func (b *Bus) Publish(snap Snapshot) {
	b.mu.Lock()
	b.current = snap
	listeners := make([]func(Snapshot), 0, len(b.listeners))
	for _, fn := range b.listeners {
		listeners = append(listeners, fn)
	}
	b.mu.Unlock()

	// Invoke outside the lock so a listener can subscribe or unsubscribe
	// from within its callback.
	for _, fn := range listeners {
		fn(snap)
	}
}

// Current returns the most recently published snapshot.
func (b *Bus) Current() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}
