// ABOUTME: Feed objects: item index, shelf-backed attribute access, ingestion
// ABOUTME: Item ids are opaque strings joining storage, tags, and protection

package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/candlewick/feedd/internal/guard"
	"github.com/candlewick/feedd/internal/storage"
	"github.com/candlewick/feedd/internal/tag"
)

// State is a feed's position in its retirement lifecycle.
type State int

const (
	// StateActive: present in configuration, fetched on the timer.
	StateActive State = iota
	// StateDeadPendingDrain: removed from configuration, retained
	// until no item of it is protected.
	StateDeadPendingDrain
	// StateDiscarded: fully retired; the registry no longer holds it.
	StateDiscarded
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDeadPendingDrain:
		return "dead-pending-drain"
	case StateDiscarded:
		return "discarded"
	}
	return "unknown"
}

// Item is one normalized feed entry delivered by a fetch source.
type Item struct {
	GUID  string
	Attrs map[string]any
}

// ItemID builds the globally unique id for an entry of a feed.
func ItemID(url, guid string) string {
	return url + "|" + guid
}

// Feed is one syndicated source and the ordered index of its live
// items. Item bodies live on the shelf; the Feed holds only ids.
type Feed struct {
	Name      string
	URL       string
	ExtraTags []string

	state  State
	items  []string
	shelf  *storage.Shelf
	logger *slog.Logger
}

// record is the persisted shape of a feed's index.
type record struct {
	Name  string   `json:"name"`
	Items []string `json:"items"`
}

func feedKey(url string) string { return "feed|" + url }
func itemKey(id string) string  { return "item|" + id }

// State returns the feed's lifecycle state.
func (f *Feed) State() State { return f.state }

// Items returns the feed's current item ids, newest first.
func (f *Feed) Items() []string {
	out := make([]string, len(f.items))
	copy(out, f.items)
	return out
}

// load restores the item index persisted under the feed's key.
func (f *Feed) load(ctx context.Context) error {
	data, err := f.shelf.Get(ctx, feedKey(f.URL))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading feed %s: %w", f.URL, err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("decoding feed %s: %w", f.URL, err)
	}
	f.items = rec.Items
	return nil
}

func (f *Feed) persist(ctx context.Context) error {
	data, err := json.Marshal(record{Name: f.Name, Items: f.items})
	if err != nil {
		return fmt.Errorf("encoding feed %s: %w", f.URL, err)
	}
	return f.shelf.Set(ctx, feedKey(f.URL), data)
}

// Update ingests one fetch result. New items are indexed newest first,
// their bodies persisted and their ids tagged under the feed's name
// (aliases fan in through the tag registry). Items absent from the
// result are retired unless protected: retired ids leave every tag and
// their bodies are deleted; protected ids stay pinned in the index.
//
// Caller holds the feed-data write lock (ftok) and the tag write lock
// (ttok); the fetch engine takes them in that order.
func (f *Feed) Update(ctx context.Context, ftok guard.WriteToken, ttok guard.WriteToken, tags *tag.Registry, items []Item, protected func(string) bool) error {
	_ = ftok

	incoming := make(map[string]bool, len(items))
	var index []string
	for _, it := range items {
		id := ItemID(f.URL, it.GUID)
		if incoming[id] {
			continue
		}
		incoming[id] = true
		index = append(index, id)
	}

	old := make(map[string]bool, len(f.items))
	for _, id := range f.items {
		old[id] = true
	}

	// Every storage write happens before any tag or index mutation: a
	// failed write then leaves at worst an orphaned body on the shelf,
	// never a tag entry pointing at unpersisted state.
	for _, it := range items {
		id := ItemID(f.URL, it.GUID)
		if old[id] {
			continue
		}
		body, err := json.Marshal(it.Attrs)
		if err != nil {
			return fmt.Errorf("encoding item %s: %w", id, err)
		}
		if err := f.shelf.Set(ctx, itemKey(id), body); err != nil {
			return err
		}
	}

	// Expired items: drop unprotected ones, keep pinned ones at the
	// tail of the index so they survive until released.
	var expired []string
	for _, id := range f.items {
		if incoming[id] {
			continue
		}
		if protected(id) {
			index = append(index, id)
			continue
		}
		expired = append(expired, id)
		if err := f.shelf.Delete(ctx, itemKey(id)); err != nil {
			return err
		}
	}

	prev := f.items
	f.items = index
	if err := f.persist(ctx); err != nil {
		f.items = prev
		return err
	}

	for _, it := range items {
		id := ItemID(f.URL, it.GUID)
		if !old[id] {
			tags.AddID(ttok, id, f.Name)
		}
	}
	for _, id := range expired {
		tags.RemoveID(ttok, id)
	}

	f.logger.Debug("feed updated", "feed", f.Name, "items", len(f.items))
	return nil
}

// GetAttributes reads the requested attributes for each id from the
// shelf, returning "" for attributes an item does not carry. Unknown
// ids are omitted.
func (f *Feed) GetAttributes(ctx context.Context, ids []string, wanted map[string][]string) (map[string]map[string]any, error) {
	out := make(map[string]map[string]any)
	for _, id := range ids {
		data, err := f.shelf.Get(ctx, itemKey(id))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		var attrs map[string]any
		if err := json.Unmarshal(data, &attrs); err != nil {
			return nil, fmt.Errorf("decoding item %s: %w", id, err)
		}

		vals := make(map[string]any)
		for _, name := range wanted[id] {
			if v, ok := attrs[name]; ok {
				vals[name] = v
			} else {
				vals[name] = ""
			}
		}
		out[id] = vals
	}
	return out, nil
}

// SetAttributes merges attribute writes into each item's body.
// Unknown ids are ignored. Caller holds the feed-data write lock.
func (f *Feed) SetAttributes(ctx context.Context, _ guard.WriteToken, writes map[string]map[string]any) error {
	for id, vals := range writes {
		data, err := f.shelf.Get(ctx, itemKey(id))
		if errors.Is(err, storage.ErrNotFound) {
			f.logger.Debug("set attributes on unknown item", "id", id)
			continue
		}
		if err != nil {
			return err
		}

		var attrs map[string]any
		if err := json.Unmarshal(data, &attrs); err != nil {
			return fmt.Errorf("decoding item %s: %w", id, err)
		}
		for name, v := range vals {
			attrs[name] = v
		}

		body, err := json.Marshal(attrs)
		if err != nil {
			return fmt.Errorf("encoding item %s: %w", id, err)
		}
		if err := f.shelf.Set(ctx, itemKey(id), body); err != nil {
			return err
		}
	}
	return nil
}
