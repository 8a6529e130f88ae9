// SPDX-License-Identifier: Apache-2.0

package domain

import "sync"

// Event is implemented by every domain event handed to the event store.
// Payload serialization stays with the event value (json.Marshal respects
// a MarshalJSON override if the domain needs a custom wire shape).
type Event interface {
	EventType() string
}

// Registry maps event types to their relay classification. The
// classification is resolved once at append time into the record's
// immutable relayable column; changing a registration later never
// affects records already written.
type Registry struct {
	mu        sync.RWMutex
	relayable map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{relayable: make(map[string]bool, 16)}
}

// Register declares an event type. relayable=false means audit-only.
// Re-registering a type overwrites its classification for future appends.
func (r *Registry) Register(eventType string, relayable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relayable[eventType] = relayable
}

// Classify reports the classification of an event type. ok=false means the
// type was never registered; appends of such events are rejected rather
// than silently defaulting to audit-only.
func (r *Registry) Classify(eventType string) (relayable bool, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	relayable, ok = r.relayable[eventType]
	return relayable, ok
}
