// ABOUTME: In-memory index from tag name to ordered item-id sequence
// ABOUTME: Mutations need a write token; changes batch into one flush per cycle

package tag

import (
	"log/slog"
	"slices"

	"github.com/candlewick/feedd/internal/event"
	"github.com/candlewick/feedd/internal/guard"
)

// Registry is the authoritative mapping from tag name to the ordered
// sequence of item ids it contains. Order is first-insertion order and
// an id appears at most once per tag.
//
// Mutating methods take a guard.WriteToken that must come from the tag
// lock; read methods accept either side of it. FlushChanges is the one
// exception: it is hook-driven and takes the lock itself.
type Registry struct {
	lock   *guard.RWLock
	bus    *event.Bus
	logger *slog.Logger

	tags       map[string][]string
	extraTags  map[string][]string
	transforms map[string]string

	// dirty holds tag names mutated since the last flush, in first-dirtied order.
	dirty []string
}

// NewRegistry creates an empty registry guarded by lock.
func NewRegistry(lock *guard.RWLock, bus *event.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		lock:       lock,
		bus:        bus,
		logger:     logger.With("component", "tags"),
		tags:       make(map[string][]string),
		extraTags:  make(map[string][]string),
		transforms: make(map[string]string),
	}
}

// Lock returns the reader/writer lock guarding this registry.
func (r *Registry) Lock() *guard.RWLock {
	return r.lock
}

func (r *Registry) markDirty(name string) {
	if !slices.Contains(r.dirty, name) {
		r.dirty = append(r.dirty, name)
	}
}

// AddID appends id to name and to each of name's configured extra
// tags. Tags are created on first insertion, publishing NewTag
// immediately; the append itself is only announced at the next flush.
func (r *Registry) AddID(_ guard.WriteToken, id, name string) {
	names := append([]string{name}, r.extraTags[name]...)

	for _, n := range names {
		if _, ok := r.tags[n]; !ok {
			r.tags[n] = []string{}
			r.bus.Publish(event.NewTag{Names: []string{n}})
		}
		if !slices.Contains(r.tags[n], id) {
			r.tags[n] = append(r.tags[n], id)
			r.markDirty(n)
		}
	}
}

// RemoveIDFromTag removes id from one tag if present.
func (r *Registry) RemoveIDFromTag(_ guard.WriteToken, id, name string) {
	ids, ok := r.tags[name]
	if !ok {
		return
	}
	i := slices.Index(ids, id)
	if i < 0 {
		return
	}
	r.tags[name] = slices.Delete(ids, i, i+1)
	r.markDirty(name)
}

// RemoveID removes id from every tag that contains it.
func (r *Registry) RemoveID(tok guard.WriteToken, id string) {
	for name := range r.tags {
		r.RemoveIDFromTag(tok, id, name)
	}
}

// SetExtraTags declares the alias names added alongside name.
func (r *Registry) SetExtraTags(_ guard.WriteToken, name string, extras []string) {
	r.extraTags[name] = extras
}

// SetTransform names the transform applied to name's items on read.
func (r *Registry) SetTransform(_ guard.WriteToken, name, transform string) {
	r.transforms[name] = transform
}

// Transform returns the transform name configured for a tag, or "".
func (r *Registry) Transform(_ guard.Token, name string) string {
	return r.transforms[name]
}

// GetTag returns a copy of the tag's current sequence. Unknown tags
// yield an empty sequence, never an error.
func (r *Registry) GetTag(_ guard.Token, name string) []string {
	return slices.Clone(r.tags[name])
}

// Names returns every known tag name, unordered.
func (r *Registry) Names(_ guard.Token) []string {
	names := make([]string, 0, len(r.tags))
	for name := range r.tags {
		names = append(names, name)
	}
	return names
}

// ItemsToTags returns every tag containing at least one of ids, each
// name once, unordered.
func (r *Registry) ItemsToTags(_ guard.Token, ids []string) []string {
	var names []string
	for name, tagged := range r.tags {
		for _, id := range ids {
			if slices.Contains(tagged, id) {
				names = append(names, name)
				break
			}
		}
	}
	return names
}

// Reset clears all tags, aliases, and transforms. Every existing tag
// is dirtied first so its disappearance still shows in the next flush.
func (r *Registry) Reset(_ guard.WriteToken) {
	r.extraTags = make(map[string][]string)
	r.transforms = make(map[string]string)

	for name := range r.tags {
		r.markDirty(name)
	}
	r.tags = make(map[string][]string)
}

// FlushChanges publishes exactly one TagChange per dirty tag and
// clears the dirty set. Hook-driven on the work-done event, so it
// takes the tag write lock itself rather than a token.
func (r *Registry) FlushChanges() {
	r.lock.Write(func(guard.WriteToken) {
		for _, name := range r.dirty {
			r.bus.Publish(event.TagChange{Name: name})
		}
		if len(r.dirty) > 0 {
			r.logger.Debug("flushed tag changes", "tags", len(r.dirty))
		}
		r.dirty = nil
	})
}
