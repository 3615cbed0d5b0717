// ABOUTME: Feed registry: ordered active feeds plus the dead-feed drain set
// ABOUTME: Retirement is an explicit state machine driven by protection counts

package feed

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/candlewick/feedd/internal/config"
	"github.com/candlewick/feedd/internal/guard"
	"github.com/candlewick/feedd/internal/storage"
	"github.com/candlewick/feedd/internal/tag"
)

// Registry owns every live feed object. Feeds move through
// {active, dead-pending-drain, discarded}: config removal sends a feed
// to dead-pending-drain; a retirement check discards it once nothing
// it produced is protected.
type Registry struct {
	shelf  *storage.Shelf
	logger *slog.Logger

	active []*Feed
	byURL  map[string]*Feed
	dead   map[string]*Feed
}

// NewRegistry creates an empty registry over the shelf.
func NewRegistry(shelf *storage.Shelf, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		shelf:  shelf,
		logger: logger.With("component", "feeds"),
		byURL:  make(map[string]*Feed),
		dead:   make(map[string]*Feed),
	}
}

// Active returns the configured feeds in configuration order.
func (r *Registry) Active() []*Feed {
	out := make([]*Feed, len(r.active))
	copy(out, r.active)
	return out
}

// Get returns the active feed for url, or nil.
func (r *Registry) Get(url string) *Feed {
	return r.byURL[url]
}

// DeadFeeds returns the feeds waiting to drain, in no particular
// order.
func (r *Registry) DeadFeeds() []*Feed {
	out := make([]*Feed, 0, len(r.dead))
	for _, f := range r.dead {
		out = append(out, f)
	}
	return out
}

// Apply reconciles the registry against the configured declarations.
// New URLs become active feeds (their persisted index reloaded);
// removed URLs transition to dead-pending-drain; surviving feeds pick
// up name and alias changes. Caller holds the feed-data write lock.
func (r *Registry) Apply(ctx context.Context, _ guard.WriteToken, decls []config.FeedDecl) error {
	configured := make(map[string]bool, len(decls))
	var active []*Feed

	for _, decl := range decls {
		configured[decl.URL] = true

		f, ok := r.byURL[decl.URL]
		if !ok {
			// A feed re-added while draining comes back whole.
			if df, wasDead := r.dead[decl.URL]; wasDead {
				f = df
				delete(r.dead, decl.URL)
				r.logger.Info("feed revived", "feed", decl.Name, "url", decl.URL)
			} else {
				f = &Feed{
					URL:    decl.URL,
					shelf:  r.shelf,
					logger: r.logger,
				}
				if err := f.load(ctx); err != nil {
					return err
				}
				r.logger.Info("feed added", "feed", decl.Name, "url", decl.URL)
			}
			r.byURL[decl.URL] = f
		}

		f.Name = decl.Name
		f.ExtraTags = decl.ExtraTags
		f.state = StateActive
		active = append(active, f)
	}

	for url, f := range r.byURL {
		if configured[url] {
			continue
		}
		delete(r.byURL, url)
		f.state = StateDeadPendingDrain
		r.dead[url] = f
		r.logger.Info("feed dead, pending drain", "feed", f.Name, "url", url)
	}

	r.active = active
	return nil
}

// Recover turns feed records persisted by a previous run, but no
// longer configured, into dead-pending-drain feeds so their items
// still drain and their storage is reclaimed. Called once at startup
// after the first Apply.
func (r *Registry) Recover(ctx context.Context, _ guard.WriteToken) error {
	keys, err := r.shelf.Keys(ctx, "feed|")
	if err != nil {
		return err
	}

	for _, key := range keys {
		url := key[len("feed|"):]
		if r.byURL[url] != nil || r.dead[url] != nil {
			continue
		}

		data, err := r.shelf.Get(ctx, key)
		if err != nil {
			return err
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			r.logger.Warn("dropping undecodable feed record", "url", url, "error", err)
			continue
		}

		f := &Feed{
			Name:   rec.Name,
			URL:    url,
			state:  StateDeadPendingDrain,
			items:  rec.Items,
			shelf:  r.shelf,
			logger: r.logger,
		}
		r.dead[url] = f
		r.logger.Info("recovered unconfigured feed for drain", "feed", rec.Name, "url", url)
	}
	return nil
}

// ItemsToFeeds resolves each id to its owning feed, batching per feed.
// Ids with no owner are dropped. Dead feeds still own their items
// until discarded.
func (r *Registry) ItemsToFeeds(ids []string) map[*Feed][]string {
	index := make(map[string]*Feed)
	for _, f := range r.active {
		for _, id := range f.items {
			index[id] = f
		}
	}
	for _, f := range r.dead {
		for _, id := range f.items {
			index[id] = f
		}
	}

	out := make(map[*Feed][]string)
	for _, id := range ids {
		if f, ok := index[id]; ok {
			out[f] = append(out[f], id)
		}
	}
	return out
}

// Retag re-adds every active feed's indexed items to the tag registry.
// Used after a configuration reparse has reset the tags.
func (r *Registry) Retag(ttok guard.WriteToken, tags *tag.Registry) {
	for _, f := range r.active {
		tags.SetExtraTags(ttok, f.Name, f.ExtraTags)
		for _, id := range f.items {
			tags.AddID(ttok, id, f.Name)
		}
	}
}

// RetireDead sweeps every dead-pending-drain feed. A feed with any
// protected item survives the sweep; one with none is discarded: its
// items leave every tag, its records leave the shelf, and the feed
// leaves the registry for good.
func (r *Registry) RetireDead(ctx context.Context, ftok guard.WriteToken, ttok guard.WriteToken, tags *tag.Registry, protected func(string) bool) error {
	_ = ftok

	for url, f := range r.dead {
		stillPinned := false
		for _, id := range f.items {
			if protected(id) {
				stillPinned = true
				break
			}
		}
		if stillPinned {
			r.logger.Debug("dead feed still committed", "feed", f.Name, "url", url)
			continue
		}

		for _, id := range f.items {
			tags.RemoveID(ttok, id)
			if err := r.shelf.Delete(ctx, itemKey(id)); err != nil {
				return err
			}
		}
		if err := r.shelf.Delete(ctx, feedKey(url)); err != nil {
			return err
		}

		f.state = StateDiscarded
		delete(r.dead, url)
		r.logger.Info("dead feed discarded", "feed", f.Name, "url", url)
	}
	return nil
}
