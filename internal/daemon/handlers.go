// ABOUTME: Protocol command handlers: the request/response half of the core
// ABOUTME: Per-request failures degrade to empty/omitted results, never aborts

package daemon

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/candlewick/feedd/internal/config"
	"github.com/candlewick/feedd/internal/event"
	"github.com/candlewick/feedd/internal/guard"
	"github.com/candlewick/feedd/internal/protect"
	"github.com/candlewick/feedd/internal/server"
)

// feedEntry is one LISTFEEDS result row.
type feedEntry struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// transformEntry is one LISTTRANSFORMS result row.
type transformEntry struct {
	Name string `json:"name"`
	Spec string `json:"spec"`
}

// dispatch routes one decoded request to its handler. Unknown
// commands are logged and ignored.
func (d *Daemon) dispatch(req server.Request) {
	switch req.Cmd {
	case "PING":
		d.cmdPing(req)
	case "LISTFEEDS":
		d.cmdListFeeds(req)
	case "LISTTRANSFORMS":
		d.cmdListTransforms(req)
	case "ITEMS":
		d.cmdItems(req)
	case "ATTRIBUTES":
		d.cmdAttributes(req)
	case "SETATTRIBUTES":
		d.cmdSetAttributes(req)
	case "CONFIGS":
		d.cmdConfigs(req)
	case "SETCONFIGS":
		d.cmdSetConfigs(req)
	case "WATCHCONFIGS":
		d.watches.watchConfig(req.Socket)
	case "WATCHNEWTAGS":
		d.watches.watchNewTags(req.Socket)
	case "WATCHDELTAGS":
		d.watches.watchDelTags(req.Socket)
	case "WATCHTAGS":
		d.cmdWatchTags(req)
	case "PROTECT":
		d.cmdProtect(req)
	case "UNPROTECT":
		d.cmdUnprotect(req)
	case "DIE":
		d.logger.Info("received DIE")
		d.die = true
	default:
		d.logger.Info("unknown command", "cmd", req.Cmd, "socket", req.Socket)
	}
}

// decode unmarshals a request payload, logging and reporting failure.
func (d *Daemon) decode(req server.Request, into any) bool {
	if len(req.Args) == 0 {
		return true
	}
	if err := json.Unmarshal(req.Args, into); err != nil {
		d.logger.Warn("bad arguments", "cmd", req.Cmd, "socket", req.Socket, "error", err)
		return false
	}
	return true
}

func (d *Daemon) cmdPing(req server.Request) {
	d.transport.Write(req.Socket, "PONG", "")
}

func (d *Daemon) cmdListFeeds(req server.Request) {
	entries := []feedEntry{}
	for _, f := range d.feeds.Active() {
		entries = append(entries, feedEntry{Name: f.Name, URL: f.URL})
	}
	d.transport.Write(req.Socket, "LISTFEEDS", entries)
}

func (d *Daemon) cmdListTransforms(req server.Request) {
	entries := []transformEntry{}
	for _, decl := range d.conf.Transforms() {
		entries = append(entries, transformEntry{Name: decl.Name, Spec: decl.Spec})
	}
	d.transport.Write(req.Socket, "LISTTRANSFORMS", entries)
}

// cmdItems returns each requested tag's transform-applied id list and
// auto-protects every returned id so it cannot vanish before the
// client's next request referencing it.
func (d *Daemon) cmdItems(req server.Request) {
	var tagNames []string
	if !d.decode(req, &tagNames) {
		return
	}

	global := d.conf.GlobalTransform()
	response := make(map[string][]string, len(tagNames))
	var returned []string

	d.tags.Lock().Read(func(tok guard.ReadToken) {
		for _, name := range tagNames {
			ids := d.tags.GetTag(tok, name)
			ids = d.applyTagTransform(tok, name, ids)
			ids = global(ids)
			if ids == nil {
				ids = []string{}
			}
			response[name] = ids
			returned = append(returned, ids...)
		}
	})

	if len(returned) > 0 {
		d.pins.Protect(protect.Key{Owner: req.Socket, Reason: protect.AutoReason}, returned)
	}
	d.transport.Write(req.Socket, "ITEMS", response)
}

// applyTagTransform runs a tag's configured transform, if any. The
// stored value is either a named transform or a raw spec.
func (d *Daemon) applyTagTransform(tok guard.Token, name string, ids []string) []string {
	trName := d.tags.Transform(tok, name)
	if trName == "" {
		return ids
	}
	spec := d.conf.Get("transforms", trName, trName)
	tr, err := config.ParseTransform(spec)
	if err != nil {
		d.logger.Warn("bad tag transform", "tag", name, "transform", trName, "error", err)
		return ids
	}
	return tr(ids)
}

// cmdAttributes resolves each id to its owning feed, batches per
// feed, and returns id -> attribute -> value.
func (d *Daemon) cmdAttributes(req server.Request) {
	var args map[string][]string
	if !d.decode(req, &args) {
		return
	}

	ids := make([]string, 0, len(args))
	for id := range args {
		ids = append(ids, id)
	}

	ctx := context.Background()
	response := make(map[string]map[string]any)
	d.feedLock.Read(func(guard.ReadToken) {
		for f, feedIDs := range d.feeds.ItemsToFeeds(ids) {
			attrs, err := f.GetAttributes(ctx, feedIDs, args)
			if err != nil {
				d.logger.Warn("getting attributes failed", "feed", f.Name, "error", err)
				continue
			}
			for id, vals := range attrs {
				response[id] = vals
			}
		}
	})

	d.transport.Write(req.Socket, "ATTRIBUTES", response)
}

// cmdSetAttributes applies writes through each id's owning feed and
// acknowledges with an empty payload.
func (d *Daemon) cmdSetAttributes(req server.Request) {
	var args map[string]map[string]any
	if !d.decode(req, &args) {
		return
	}

	ids := make([]string, 0, len(args))
	for id := range args {
		ids = append(ids, id)
	}

	ctx := context.Background()
	d.feedLock.Write(func(ftok guard.WriteToken) {
		for f, feedIDs := range d.feeds.ItemsToFeeds(ids) {
			writes := make(map[string]map[string]any, len(feedIDs))
			for _, id := range feedIDs {
				writes[id] = args[id]
			}
			if err := f.SetAttributes(ctx, ftok, writes); err != nil {
				d.logger.Warn("setting attributes failed", "feed", f.Name, "error", err)
			}
		}
	})

	d.transport.Write(req.Socket, "SETATTRIBUTES", "")
}

// cmdConfigs serves configuration paths of the form "section" or
// "section.setting". A path that fails to resolve is logged and
// omitted; it never aborts the rest of the response.
func (d *Daemon) cmdConfigs(req server.Request) {
	var paths []string
	if !d.decode(req, &paths) {
		return
	}
	d.transport.Write(req.Socket, "CONFIGS", d.resolveConfigs(paths))
}

func (d *Daemon) resolveConfigs(paths []string) map[string]map[string]string {
	if len(paths) == 0 {
		return d.conf.GetSections()
	}

	result := make(map[string]map[string]string)
	for _, path := range paths {
		section, setting, hasSetting := strings.Cut(path, ".")

		if !d.conf.HasSection(section) {
			d.logger.Warn("no such config section", "path", path)
			continue
		}
		settings := d.conf.GetSection(section)

		if !hasSetting {
			result[section] = settings
			continue
		}

		value, ok := settings[setting]
		if !ok {
			d.logger.Warn("no such config setting", "path", path)
			continue
		}
		if _, ok := result[section]; !ok {
			result[section] = make(map[string]string)
		}
		result[section][setting] = value
	}
	return result
}

// cmdSetConfigs applies setting writes; a section mapped to an empty
// value set is deleted entirely. Changes are persisted and announced
// on the bus with the full changed-section map.
func (d *Daemon) cmdSetConfigs(req server.Request) {
	var args map[string]map[string]string
	if !d.decode(req, &args) {
		return
	}

	changes := make(map[string]map[string]string)
	for section, settings := range args {
		if len(settings) == 0 {
			if d.conf.HasSection(section) {
				d.conf.RemoveSection(section)
				changes[section] = map[string]string{}
			}
			continue
		}
		for setting, value := range settings {
			d.conf.Set(section, setting, value)
			if _, ok := changes[section]; !ok {
				changes[section] = make(map[string]string)
			}
			changes[section][setting] = value
		}
	}

	if err := d.conf.Write(); err != nil {
		d.logger.Error("persisting config failed", "error", err)
	}
	d.bus.Publish(event.ConfigChange{Sections: changes})
}

func (d *Daemon) cmdWatchTags(req server.Request) {
	var tagNames []string
	if !d.decode(req, &tagNames) {
		return
	}
	for _, name := range tagNames {
		d.logger.Debug("socket watching tag", "socket", req.Socket, "tag", name)
		d.watches.watchTag(req.Socket, name)
	}
}

func (d *Daemon) cmdProtect(req server.Request) {
	var args map[string][]string
	if !d.decode(req, &args) {
		return
	}
	for reason, ids := range args {
		d.pins.Protect(protect.Key{Owner: req.Socket, Reason: reason}, ids)
	}
}

// cmdUnprotect releases ids one at a time; absent ids are no-ops.
// Protection just shrank, so dead feeds are re-checked.
func (d *Daemon) cmdUnprotect(req server.Request) {
	var args map[string][]string
	if !d.decode(req, &args) {
		return
	}
	for reason, ids := range args {
		key := protect.Key{Owner: req.Socket, Reason: reason}
		for _, id := range ids {
			d.pins.UnprotectOne(key, id)
		}
	}
	d.checkDeadFeeds(context.Background())
}
