// Package history keeps the per-contact rolling window of recent messages
// used as conversational context. The buffer is derived state: it can be
// rebuilt at any time from the persisted message log and is never
// authoritative on its own.
package history

import (
	"sync"

	"github.com/jholhewres/doppel/pkg/doppel/store"
)

// DefaultCapacity is the window size used when none is configured.
const DefaultCapacity = 20

// Buffer holds bounded per-contact message windows, oldest-first.
type Buffer struct {
	mu       sync.RWMutex
	capacity int
	windows  map[string][]store.Message
}

// New creates a Buffer with the given per-contact capacity.
// capacity <= 0 falls back to DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		capacity: capacity,
		windows:  make(map[string][]store.Message),
	}
}

// Capacity returns the configured window size.
func (b *Buffer) Capacity() int { return b.capacity }

// Record appends a message to the contact's window, evicting the oldest
// entry when the window exceeds capacity.
func (b *Buffer) Record(contact string, msg store.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	window := append(b.windows[contact], msg)
	if len(window) > b.capacity {
		window = window[len(window)-b.capacity:]
	}
	b.windows[contact] = window
}

// Snapshot returns a copy of the contact's current window, oldest-first.
// An unknown contact yields an empty slice.
func (b *Buffer) Snapshot(contact string) []store.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	window := b.windows[contact]
	out := make([]store.Message, len(window))
	copy(out, window)
	return out
}

// Len returns the number of messages currently buffered for a contact.
func (b *Buffer) Len(contact string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.windows[contact])
}

// Seed loads a contact's window from persisted history, replacing any
// existing window. Used once per contact at startup.
func (b *Buffer) Seed(contact string, msgs []store.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := 0
	if len(msgs) > b.capacity {
		start = len(msgs) - b.capacity
	}
	window := make([]store.Message, len(msgs)-start)
	copy(window, msgs[start:])
	b.windows[contact] = window
}
