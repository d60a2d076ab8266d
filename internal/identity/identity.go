// Package identity implements the Identity Registry (spec §4.1): the
// translation between ephemeral host window identifiers and stable
// permanent workspace identifiers, and the one piece of state that must
// rebind correctly across a process restart.
package identity

import (
	"sync"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Registry maps host window_id <-> permanent_id. It is co-owned with the
// State Manager and must only be mutated from the apply path (spec §5), but
// reads are safe from any goroutine.
type Registry struct {
	mu sync.RWMutex
	// fwd preserves bind order, which makes Snapshot() and persistence
	// writes of meta.permanent_id_mappings deterministic.
	fwd *orderedmap.OrderedMap[int, string]
	rev map[string]int
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		fwd: orderedmap.New[int, string](),
		rev: make(map[string]int),
	}
}

// NewPermanentID generates a fresh, collision-free permanent_id.
func NewPermanentID() string {
	return uuid.NewString()
}

// Bind associates windowID with permanentID, idempotently overwriting any
// prior mapping for windowID (spec §4.1). It is the caller's
// responsibility to persist this change within the same apply transaction.
func (r *Registry) Bind(windowID int, permanentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.fwd.Get(windowID); ok && old != permanentID {
		delete(r.rev, old)
	}
	r.fwd.Set(windowID, permanentID)
	r.rev[permanentID] = windowID
}

// Unbind removes windowID's mapping. The permanent_id itself is left
// intact on disk (spec §4.1): only the forward/reverse lookup is cleared.
func (r *Registry) Unbind(windowID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if permanentID, ok := r.fwd.Get(windowID); ok {
		r.fwd.Delete(windowID)
		if r.rev[permanentID] == windowID {
			delete(r.rev, permanentID)
		}
	}
}

// Lookup returns the permanent_id bound to windowID, if any. A miss is
// never fatal to the caller (spec §4.1) — the State Manager treats it as a
// request to create a new workspace.
func (r *Registry) Lookup(windowID int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.fwd.Get(windowID)
	return v, ok
}

// ReverseLookup returns the live window_id bound to permanentID, if any.
func (r *Registry) ReverseLookup(permanentID string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wid, ok := r.rev[permanentID]
	return wid, ok
}

// Mapping is one forward binding, used for persistence and snapshots.
type Mapping struct {
	WindowID    int
	PermanentID string
}

// Snapshot returns every current binding in bind order.
func (r *Registry) Snapshot() []Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Mapping, 0, r.fwd.Len())
	for pair := r.fwd.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, Mapping{WindowID: pair.Key, PermanentID: pair.Value})
	}
	return out
}

// Restore replaces the registry's contents wholesale, used when loading
// meta.permanent_id_mappings at startup.
func (r *Registry) Restore(mappings []Mapping) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.fwd = orderedmap.New[int, string]()
	r.rev = make(map[string]int, len(mappings))
	for _, m := range mappings {
		r.fwd.Set(m.WindowID, m.PermanentID)
		r.rev[m.PermanentID] = m.WindowID
	}
}
