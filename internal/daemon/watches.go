// ABOUTME: Per-socket subscription registry for the four watch categories
// ABOUTME: Mutex-guarded: tag creation during ingest fires on worker goroutines

package daemon

import "sync"

// watchRegistry tracks which sockets want which push notifications:
// new tags, deleted tags, config changes, and specific tags. Set
// semantics make registration and removal idempotent. Registration
// runs on the dispatch goroutine, but a fetch worker creating a tag
// mid-ingest publishes new_tag from its own goroutine and the handler
// reads the watch lists there, so every access takes the mutex.
type watchRegistry struct {
	mu      sync.Mutex
	newTags map[string]struct{}
	delTags map[string]struct{}
	config  map[string]struct{}
	tags    map[string]map[string]struct{}
}

func newWatchRegistry() *watchRegistry {
	return &watchRegistry{
		newTags: make(map[string]struct{}),
		delTags: make(map[string]struct{}),
		config:  make(map[string]struct{}),
		tags:    make(map[string]map[string]struct{}),
	}
}

func (w *watchRegistry) watchNewTags(socket string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.newTags[socket] = struct{}{}
}

func (w *watchRegistry) watchDelTags(socket string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.delTags[socket] = struct{}{}
}

func (w *watchRegistry) watchConfig(socket string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.config[socket] = struct{}{}
}

func (w *watchRegistry) watchTag(socket, tagName string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	set, ok := w.tags[tagName]
	if !ok {
		set = make(map[string]struct{})
		w.tags[tagName] = set
	}
	set[socket] = struct{}{}
}

// tagWatchers returns the sockets watching one tag.
func (w *watchRegistry) tagWatchers(tagName string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return keys(w.tags[tagName])
}

func (w *watchRegistry) newTagWatchers() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return keys(w.newTags)
}

func (w *watchRegistry) delTagWatchers() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return keys(w.delTags)
}

func (w *watchRegistry) configWatchers() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return keys(w.config)
}

// removeSocket drops the socket from every watch structure.
func (w *watchRegistry) removeSocket(socket string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.newTags, socket)
	delete(w.delTags, socket)
	delete(w.config, socket)
	for tagName, set := range w.tags {
		delete(set, socket)
		if len(set) == 0 {
			delete(w.tags, tagName)
		}
	}
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
