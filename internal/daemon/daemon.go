// ABOUTME: The daemon core: command dispatch loop and notification hub
// ABOUTME: One cooperative loop drives commands, housekeeping, and fetch timing

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/candlewick/feedd/internal/config"
	"github.com/candlewick/feedd/internal/event"
	"github.com/candlewick/feedd/internal/feed"
	"github.com/candlewick/feedd/internal/guard"
	"github.com/candlewick/feedd/internal/protect"
	"github.com/candlewick/feedd/internal/server"
	"github.com/candlewick/feedd/internal/storage"
	"github.com/candlewick/feedd/internal/tag"
)

// Transport is the connection surface the dispatcher drives.
type Transport interface {
	Next() (server.Request, bool)
	Write(socket, reply string, data any)
	CheckConns()
}

// Fetcher is the background fetch engine's loop-facing contract.
type Fetcher interface {
	// Fetch triggers a sweep of all configured feeds.
	Fetch()
	// Process performs one bounded unit of completion handling and
	// reports how many fetches finished.
	Process() int
}

// idleYield is how long the loop sleeps when nothing is queued.
const idleYield = 10 * time.Millisecond

// Options wires a Daemon's collaborators. All fields are required.
type Options struct {
	Conf      *config.Config
	Shelf     *storage.Shelf
	Tags      *tag.Registry
	Feeds     *feed.Registry
	Pins      *protect.Registry
	Fetcher   Fetcher
	Transport Transport
	Bus       *event.Bus
	FeedLock  *guard.RWLock
	Logger    *slog.Logger
}

// Daemon is the single authoritative dispatch loop: it translates
// protocol commands into state transitions and reacts to bus events
// by pushing notifications to watching sockets.
type Daemon struct {
	conf      *config.Config
	shelf     *storage.Shelf
	tags      *tag.Registry
	feeds     *feed.Registry
	pins      *protect.Registry
	fetcher   Fetcher
	transport Transport
	bus       *event.Bus
	feedLock  *guard.RWLock
	logger    *slog.Logger

	watches    *watchRegistry
	fetchTimer int
	die        bool
}

// New assembles the daemon and registers its bus subscriptions. The
// work-done wiring puts the storage sync ahead of the tag flush, so
// watchers only ever observe state already durable on disk.
func New(opts Options) *Daemon {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Daemon{
		conf:      opts.Conf,
		shelf:     opts.Shelf,
		tags:      opts.Tags,
		feeds:     opts.Feeds,
		pins:      opts.Pins,
		fetcher:   opts.Fetcher,
		transport: opts.Transport,
		bus:       opts.Bus,
		feedLock:  opts.FeedLock,
		logger:    logger.With("component", "daemon"),
		watches:   newWatchRegistry(),
	}

	d.bus.Subscribe(event.KindWorkDone, d.onWorkDone)
	d.bus.Subscribe(event.KindNewTag, d.onNewTag)
	d.bus.Subscribe(event.KindDelTag, d.onDelTag)
	d.bus.Subscribe(event.KindTagChange, d.onTagChange)
	d.bus.Subscribe(event.KindConfigChange, d.onConfigChange)
	d.bus.Subscribe(event.KindKillSocket, d.onKillSocket)

	return d
}

// Bootstrap loads configuration and reconciles feed and tag state,
// then triggers the initial fetch sweep. Call once before Run.
func (d *Daemon) Bootstrap(ctx context.Context) error {
	if err := d.conf.Parse(); err != nil {
		return fmt.Errorf("parsing configuration: %w", err)
	}

	decls := d.conf.Feeds()
	var err error
	d.feedLock.Write(func(ftok guard.WriteToken) {
		if err = d.feeds.Apply(ctx, ftok, decls); err != nil {
			return
		}
		err = d.feeds.Recover(ctx, ftok)
	})
	if err != nil {
		return fmt.Errorf("reconciling feeds: %w", err)
	}

	d.tags.Lock().Write(func(ttok guard.WriteToken) {
		d.applyTagConfig(ttok)
	})

	d.fetchTimer = d.conf.FetchInterval()
	d.fetcher.Fetch()
	return nil
}

// Run drives the cooperative dispatch loop until DIE or ctx
// cancellation. A panicking handler is logged with its stack and
// surfaces as an error so the caller can shut down in order.
func (d *Daemon) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	batch := 0
	for !d.die {
		select {
		case <-ctx.Done():
			d.logger.Info("shutdown requested")
			if batch > 0 {
				d.bus.Publish(event.WorkDone{})
			}
			return nil
		default:
		}

		busy := false
		if req, ok := d.transport.Next(); ok {
			d.dispatch(req)
			batch++
			busy = true
		} else if batch > 0 {
			// The queued burst has drained: one sync, one flush.
			d.bus.Publish(event.WorkDone{})
			batch = 0
		}

		d.transport.CheckConns()

		if n := d.fetcher.Process(); n > 0 {
			// Fetched state becomes durable and announced the same
			// way a command batch does.
			d.bus.Publish(event.WorkDone{})
			busy = true
		}

		select {
		case <-ticker.C:
			d.fetchTimer--
			if d.fetchTimer <= 0 {
				d.fetcher.Fetch()
				d.fetchTimer = d.conf.FetchInterval()
			}
		default:
		}

		if !busy {
			time.Sleep(idleYield)
		}
	}

	d.logger.Info("received DIE, exiting")
	if batch > 0 {
		d.bus.Publish(event.WorkDone{})
	}
	return nil
}

// onWorkDone syncs the shelf under the feed-data write lock, then
// flushes batched tag changes. Notifications therefore reflect state
// already on disk.
func (d *Daemon) onWorkDone(event.Event) {
	d.feedLock.Write(func(ftok guard.WriteToken) {
		if err := d.shelf.Sync(ftok); err != nil {
			d.logger.Warn("shelf sync failed", "error", err)
		}
	})
	d.tags.FlushChanges()
}

func (d *Daemon) onNewTag(ev event.Event) {
	names := ev.(event.NewTag).Names
	for _, socket := range d.watches.newTagWatchers() {
		d.transport.Write(socket, "NEWTAGS", names)
	}
}

func (d *Daemon) onDelTag(ev event.Event) {
	names := ev.(event.DelTag).Names
	for _, socket := range d.watches.delTagWatchers() {
		d.transport.Write(socket, "DELTAGS", names)
	}
}

func (d *Daemon) onTagChange(ev event.Event) {
	name := ev.(event.TagChange).Name
	for _, socket := range d.watches.tagWatchers(name) {
		d.transport.Write(socket, "TAGCHANGE", name)
	}
}

// onConfigChange pushes the changed sections to config watchers, then
// reloads configuration, announces tag-set changes, and re-evaluates
// dead feeds.
func (d *Daemon) onConfigChange(ev event.Event) {
	changed := ev.(event.ConfigChange).Sections

	var paths []string
	for section := range changed {
		paths = append(paths, section)
	}
	for _, socket := range d.watches.configWatchers() {
		d.transport.Write(socket, "CONFIGS", d.resolveConfigs(paths))
	}

	d.reconfigure(context.Background())
}

// reconfigure reparses config, reconciles feeds and tags, and
// publishes NewTag/DelTag for names that appeared or disappeared.
func (d *Daemon) reconfigure(ctx context.Context) {
	var pre []string
	d.tags.Lock().Read(func(tok guard.ReadToken) {
		pre = d.tags.Names(tok)
	})

	if err := d.conf.Parse(); err != nil {
		d.logger.Error("config reparse failed", "error", err)
		return
	}

	decls := d.conf.Feeds()
	d.feedLock.Write(func(ftok guard.WriteToken) {
		if err := d.feeds.Apply(ctx, ftok, decls); err != nil {
			d.logger.Error("applying feed declarations failed", "error", err)
		}
	})

	var post []string
	d.tags.Lock().Write(func(ttok guard.WriteToken) {
		d.tags.Reset(ttok)
		d.applyTagConfig(ttok)
		post = d.tags.Names(ttok)
	})

	preSet := toSet(pre)
	postSet := toSet(post)

	var added, removed []string
	for _, name := range post {
		if !preSet[name] {
			added = append(added, name)
		}
	}
	for _, name := range pre {
		if !postSet[name] {
			removed = append(removed, name)
		}
	}

	if len(added) > 0 {
		d.bus.Publish(event.NewTag{Names: added})
	}
	if len(removed) > 0 {
		d.bus.Publish(event.DelTag{Names: removed})
	}

	d.checkDeadFeeds(ctx)
}

// applyTagConfig reinstalls per-tag transforms and re-tags every
// active feed's items. Caller holds the tag write lock.
func (d *Daemon) applyTagConfig(ttok guard.WriteToken) {
	for tagName, spec := range d.conf.GetSection("tagtransforms") {
		d.tags.SetTransform(ttok, tagName, spec)
	}
	d.feeds.Retag(ttok, d.tags)
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// onKillSocket cleans up after a disconnected client: every watch
// registration goes, its auto-protection is revoked, and dead feeds
// are re-checked since protection just shrank.
func (d *Daemon) onKillSocket(ev event.Event) {
	socket := ev.(event.KillSocket).Socket
	d.logger.Debug("cleaning up socket", "socket", socket)

	d.watches.removeSocket(socket)
	d.pins.Unprotect(protect.Key{Owner: socket, Reason: protect.AutoReason})
	d.checkDeadFeeds(context.Background())
}

// checkDeadFeeds sweeps every dead feed and discards those with no
// protected items left. Re-run after every event that can reduce
// protection.
func (d *Daemon) checkDeadFeeds(ctx context.Context) {
	d.feedLock.Write(func(ftok guard.WriteToken) {
		d.tags.Lock().Write(func(ttok guard.WriteToken) {
			if err := d.feeds.RetireDead(ctx, ftok, ttok, d.tags, d.pins.Protected); err != nil {
				d.logger.Error("dead feed sweep failed", "error", err)
			}
		})
	})
}
