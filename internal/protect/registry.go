// ABOUTME: Reference-counted pin set keeping items alive for client sessions
// ABOUTME: Keyed by (owner, reason); in-memory only, rebuilt empty at start

package protect

import "sync"

// Key identifies one protection entry. Owner is the originating socket
// id; Reason is caller-supplied or the auto-protection reason used
// implicitly by ITEMS.
type Key struct {
	Owner  string
	Reason string
}

// AutoReason is the reason ITEMS uses to pin returned ids until the
// client disconnects or releases them explicitly.
const AutoReason = "auto"

// Registry tracks which item ids are pinned by live client sessions.
// An item with at least one entry anywhere is not eligible for removal.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[Key]map[string]struct{}),
	}
}

// Protect adds ids under key, creating the entry if absent.
func (r *Registry) Protect(key Key, ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.entries[key]
	if !ok {
		set = make(map[string]struct{})
		r.entries[key] = set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
}

// Unprotect removes the entire entry for key.
func (r *Registry) Unprotect(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// UnprotectOne removes a single id from key's entry. A missing id or
// entry is a no-op. An emptied entry is left in place; it holds
// nothing alive.
func (r *Registry) UnprotectOne(key Key, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.entries[key]; ok {
		delete(set, id)
	}
}

// Protected reports whether any entry anywhere contains id.
func (r *Registry) Protected(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, set := range r.entries {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}
