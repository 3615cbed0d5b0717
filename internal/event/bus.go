// ABOUTME: Typed synchronous event bus connecting daemon components
// ABOUTME: Handlers run in subscription order on the publishing goroutine

package event

import (
	"log/slog"
	"sync"
)

// Kind identifies a category of event.
type Kind int

const (
	// KindNewTag fires when tags come into existence.
	KindNewTag Kind = iota
	// KindDelTag fires when tags disappear from configuration.
	KindDelTag
	// KindTagChange fires once per mutated tag per work batch.
	KindTagChange
	// KindConfigChange fires after SETCONFIGS applies a change set.
	KindConfigChange
	// KindKillSocket fires when a client connection dies.
	KindKillSocket
	// KindWorkDone fires after a batch of queued commands has drained.
	KindWorkDone
	// KindDBOpen fires when the shelf opens its backing file.
	KindDBOpen
	// KindDBClose fires after the shelf has closed its backing file.
	KindDBClose
)

func (k Kind) String() string {
	switch k {
	case KindNewTag:
		return "new_tag"
	case KindDelTag:
		return "del_tag"
	case KindTagChange:
		return "tag_change"
	case KindConfigChange:
		return "config_change"
	case KindKillSocket:
		return "kill_socket"
	case KindWorkDone:
		return "work_done"
	case KindDBOpen:
		return "db_open"
	case KindDBClose:
		return "db_close"
	}
	return "unknown"
}

// Event is the tagged union delivered through the bus. Each concrete
// event struct reports its own Kind; subscribers type-assert the
// payload they registered for.
type Event interface {
	Kind() Kind
}

// NewTag carries the names of tags that were just created.
type NewTag struct {
	Names []string
}

// Kind implements Event.
func (NewTag) Kind() Kind { return KindNewTag }

// DelTag carries the names of tags that no longer exist.
type DelTag struct {
	Names []string
}

// Kind implements Event.
func (DelTag) Kind() Kind { return KindDelTag }

// TagChange names a single tag whose item sequence changed this batch.
type TagChange struct {
	Name string
}

// Kind implements Event.
func (TagChange) Kind() Kind { return KindTagChange }

// ConfigChange carries the full changed-section map of an applied
// configuration update.
type ConfigChange struct {
	Sections map[string]map[string]string
}

// Kind implements Event.
func (ConfigChange) Kind() Kind { return KindConfigChange }

// KillSocket identifies a client connection that disconnected.
type KillSocket struct {
	Socket string
}

// Kind implements Event.
func (KillSocket) Kind() Kind { return KindKillSocket }

// WorkDone marks the end of a command batch.
type WorkDone struct{}

// Kind implements Event.
func (WorkDone) Kind() Kind { return KindWorkDone }

// DBOpen reports the path of the shelf file that was opened.
type DBOpen struct {
	Path string
}

// Kind implements Event.
func (DBOpen) Kind() Kind { return KindDBOpen }

// DBClose reports the path of the shelf file that was closed.
type DBClose struct {
	Path string
}

// Kind implements Event.
func (DBClose) Kind() Kind { return KindDBClose }

// Handler receives events of the kind it was subscribed for.
type Handler func(Event)

// Bus is a process-local broadcast registry. Publish delivers to every
// handler subscribed for the event's kind, synchronously and in
// subscription order, on the caller's goroutine. Handlers may publish
// further events while handling one.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Kind][]Handler
	logger *slog.Logger
}

// NewBus creates a bus. Pass nil logger for default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[Kind][]Handler),
		logger: logger.With("component", "bus"),
	}
}

// Subscribe registers a handler for one event kind. Registration order
// is delivery order.
func (b *Bus) Subscribe(k Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[k] = append(b.subs[k], h)
}

// Publish delivers ev to every handler subscribed for its kind. The
// subscriber list is snapshotted first so handlers can subscribe or
// publish without deadlocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	handlers := b.subs[ev.Kind()]
	targets := make([]Handler, len(handlers))
	copy(targets, handlers)
	b.mu.RUnlock()

	b.logger.Debug("publish", "kind", ev.Kind().String(), "handlers", len(targets))
	for _, h := range targets {
		h(ev)
	}
}
