// ABOUTME: End-to-end dispatcher tests over a fake transport and fetcher
// ABOUTME: Exercises the command surface, watch pushes, and feed retirement

package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlewick/feedd/internal/config"
	"github.com/candlewick/feedd/internal/event"
	"github.com/candlewick/feedd/internal/feed"
	"github.com/candlewick/feedd/internal/guard"
	"github.com/candlewick/feedd/internal/protect"
	"github.com/candlewick/feedd/internal/server"
	"github.com/candlewick/feedd/internal/storage"
	"github.com/candlewick/feedd/internal/tag"
)

type write struct {
	Socket string
	Reply  string
	Data   any
}

// fakeTransport queues requests and records writes. Writes are
// mutex-guarded like the real server's: notification handlers can run
// on a fetch worker goroutine.
type fakeTransport struct {
	mu     sync.Mutex
	queue  []server.Request
	writes []write
}

func (f *fakeTransport) push(t *testing.T, socket, cmd string, args any) {
	t.Helper()
	var raw json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		require.NoError(t, err)
		raw = data
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, server.Request{Socket: socket, Cmd: cmd, Args: raw})
}

func (f *fakeTransport) Next() (server.Request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return server.Request{}, false
	}
	req := f.queue[0]
	f.queue = f.queue[1:]
	return req, true
}

func (f *fakeTransport) Write(socket, reply string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, write{Socket: socket, Reply: reply, Data: data})
}

func (f *fakeTransport) CheckConns() {}

func (f *fakeTransport) repliesTo(socket, reply string) []write {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []write
	for _, w := range f.writes {
		if w.Socket == socket && w.Reply == reply {
			out = append(out, w)
		}
	}
	return out
}

type fakeFetcher struct {
	fetches int
}

func (f *fakeFetcher) Fetch()       { f.fetches++ }
func (f *fakeFetcher) Process() int { return 0 }

type fixture struct {
	confPath string
	conf     *config.Config
	bus      *event.Bus
	shelf    *storage.Shelf
	tags     *tag.Registry
	feeds    *feed.Registry
	pins     *protect.Registry
	feedLock *guard.RWLock
	tr       *fakeTransport
	fet      *fakeFetcher
	d        *Daemon
}

func setupDaemon(t *testing.T, confYAML string) *fixture {
	t.Helper()
	dir := t.TempDir()
	confPath := filepath.Join(dir, "conf")
	if confYAML != "" {
		require.NoError(t, os.WriteFile(confPath, []byte(confYAML), 0644))
	}

	bus := event.NewBus(nil)
	shelf, err := storage.Open(filepath.Join(dir, "feeds"), bus)
	require.NoError(t, err)
	t.Cleanup(func() { shelf.Close() })

	fx := &fixture{
		confPath: confPath,
		conf:     config.New(confPath, nil),
		bus:      bus,
		shelf:    shelf,
		tags:     tag.NewRegistry(&guard.RWLock{}, bus, nil),
		feeds:    feed.NewRegistry(shelf, nil),
		pins:     protect.NewRegistry(),
		feedLock: &guard.RWLock{},
		tr:       &fakeTransport{},
		fet:      &fakeFetcher{},
	}
	fx.d = New(Options{
		Conf:      fx.conf,
		Shelf:     fx.shelf,
		Tags:      fx.tags,
		Feeds:     fx.feeds,
		Pins:      fx.pins,
		Fetcher:   fx.fet,
		Transport: fx.tr,
		Bus:       fx.bus,
		FeedLock:  fx.feedLock,
	})
	require.NoError(t, fx.d.Bootstrap(context.Background()))
	return fx
}

// ingest feeds items into an active feed the way the fetch engine
// would, under both write locks.
func (fx *fixture) ingest(t *testing.T, url string, guids ...string) {
	t.Helper()
	f := fx.feeds.Get(url)
	require.NotNil(t, f)

	items := make([]feed.Item, len(guids))
	for i, g := range guids {
		items[i] = feed.Item{GUID: g, Attrs: map[string]any{"title": g}}
	}
	fx.feedLock.Write(func(ftok guard.WriteToken) {
		fx.tags.Lock().Write(func(ttok guard.WriteToken) {
			require.NoError(t, f.Update(context.Background(), ftok, ttok, fx.tags, items, fx.pins.Protected))
		})
	})
}

// run dispatches every queued command, then lets the batch hooks run.
func (fx *fixture) run(t *testing.T) {
	t.Helper()
	dispatched := false
	for {
		req, ok := fx.tr.Next()
		if !ok {
			break
		}
		fx.d.dispatch(req)
		dispatched = true
	}
	if dispatched {
		fx.bus.Publish(event.WorkDone{})
	}
}

const testConf = `
"feed xkcd":
  url: "https://xkcd.com/rss.xml"
  extra_tags: "comics"
"feed lwn":
  url: "https://lwn.net/rss"
`

func TestDaemon_Ping(t *testing.T) {
	fx := setupDaemon(t, testConf)

	fx.tr.push(t, "s1", "PING", nil)
	fx.run(t)

	require.Len(t, fx.tr.repliesTo("s1", "PONG"), 1)
}

func TestDaemon_UnknownCommandIgnored(t *testing.T) {
	fx := setupDaemon(t, testConf)

	fx.tr.push(t, "s1", "FROBNICATE", nil)
	fx.run(t)

	assert.Empty(t, fx.tr.writes)
}

func TestDaemon_ListFeeds(t *testing.T) {
	fx := setupDaemon(t, testConf)

	fx.tr.push(t, "s1", "LISTFEEDS", nil)
	fx.run(t)

	replies := fx.tr.repliesTo("s1", "LISTFEEDS")
	require.Len(t, replies, 1)
	entries := replies[0].Data.([]feedEntry)
	require.Len(t, entries, 2)
	assert.Equal(t, feedEntry{Name: "xkcd", URL: "https://xkcd.com/rss.xml"}, entries[0])
	assert.Equal(t, feedEntry{Name: "lwn", URL: "https://lwn.net/rss"}, entries[1])
}

func TestDaemon_ListTransforms(t *testing.T) {
	fx := setupDaemon(t, testConf+"transforms:\n  latest: \"head 5\"\n")

	fx.tr.push(t, "s1", "LISTTRANSFORMS", nil)
	fx.run(t)

	replies := fx.tr.repliesTo("s1", "LISTTRANSFORMS")
	require.Len(t, replies, 1)
	assert.Equal(t, []transformEntry{{Name: "latest", Spec: "head 5"}}, replies[0].Data)
}

func TestDaemon_ItemsProtectsAndReturns(t *testing.T) {
	fx := setupDaemon(t, testConf)
	fx.ingest(t, "https://xkcd.com/rss.xml", "1", "2")

	fx.tr.push(t, "s1", "ITEMS", []string{"xkcd", "nosuchtag"})
	fx.run(t)

	replies := fx.tr.repliesTo("s1", "ITEMS")
	require.Len(t, replies, 1)
	response := replies[0].Data.(map[string][]string)

	id1 := feed.ItemID("https://xkcd.com/rss.xml", "1")
	id2 := feed.ItemID("https://xkcd.com/rss.xml", "2")
	assert.Equal(t, []string{id1, id2}, response["xkcd"])
	assert.Equal(t, []string{}, response["nosuchtag"])

	// Every returned id is auto-protected for this socket.
	assert.True(t, fx.pins.Protected(id1))
	assert.True(t, fx.pins.Protected(id2))
}

func TestDaemon_ItemsAppliesGlobalTransform(t *testing.T) {
	conf := testConf + `
defaults:
  global_transform: "latest"
transforms:
  latest: "head 1"
`
	fx := setupDaemon(t, conf)
	fx.ingest(t, "https://xkcd.com/rss.xml", "1", "2", "3")

	fx.tr.push(t, "s1", "ITEMS", []string{"xkcd"})
	fx.run(t)

	replies := fx.tr.repliesTo("s1", "ITEMS")
	require.Len(t, replies, 1)
	response := replies[0].Data.(map[string][]string)
	assert.Len(t, response["xkcd"], 1)
}

func TestDaemon_AttributesRoundTrip(t *testing.T) {
	fx := setupDaemon(t, testConf)
	fx.ingest(t, "https://xkcd.com/rss.xml", "1")
	id := feed.ItemID("https://xkcd.com/rss.xml", "1")

	fx.tr.push(t, "s1", "SETATTRIBUTES", map[string]map[string]any{
		id: {"read": true},
	})
	fx.tr.push(t, "s1", "ATTRIBUTES", map[string][]string{
		id: {"title", "read"},
	})
	fx.run(t)

	require.Len(t, fx.tr.repliesTo("s1", "SETATTRIBUTES"), 1)

	replies := fx.tr.repliesTo("s1", "ATTRIBUTES")
	require.Len(t, replies, 1)
	attrs := replies[0].Data.(map[string]map[string]any)
	assert.Equal(t, "1", attrs[id]["title"])
	assert.Equal(t, true, attrs[id]["read"])
}

func TestDaemon_ConfigsAllAndPaths(t *testing.T) {
	fx := setupDaemon(t, testConf+"defaults:\n  fetch_interval: \"30\"\n")

	fx.tr.push(t, "s1", "CONFIGS", nil)
	fx.tr.push(t, "s1", "CONFIGS", []string{"defaults.fetch_interval", "defaults.missing", "ghost"})
	fx.run(t)

	replies := fx.tr.repliesTo("s1", "CONFIGS")
	require.Len(t, replies, 2)

	all := replies[0].Data.(map[string]map[string]string)
	assert.Contains(t, all, "defaults")
	assert.Contains(t, all, "feed xkcd")

	resolved := replies[1].Data.(map[string]map[string]string)
	assert.Equal(t, map[string]map[string]string{
		"defaults": {"fetch_interval": "30"},
	}, resolved)
}

func TestDaemon_SetConfigsPersistsAndPushes(t *testing.T) {
	fx := setupDaemon(t, testConf)

	fx.tr.push(t, "watcher", "WATCHCONFIGS", nil)
	fx.tr.push(t, "s1", "SETCONFIGS", map[string]map[string]string{
		"client ui": {"theme": "dark"},
	})
	fx.run(t)

	// The watcher got the changed section pushed.
	pushes := fx.tr.repliesTo("watcher", "CONFIGS")
	require.Len(t, pushes, 1)
	pushed := pushes[0].Data.(map[string]map[string]string)
	assert.Equal(t, "dark", pushed["client ui"]["theme"])

	// The change survived to disk.
	reloaded := config.New(fx.confPath, nil)
	require.NoError(t, reloaded.Parse())
	assert.Equal(t, "dark", reloaded.Get("client ui", "theme", ""))
}

func TestDaemon_SetConfigsEmptyDeletesSection(t *testing.T) {
	fx := setupDaemon(t, testConf+"\"client ui\":\n  theme: \"dark\"\n")

	fx.tr.push(t, "s1", "SETCONFIGS", map[string]map[string]string{
		"client ui": {},
	})
	fx.tr.push(t, "s1", "CONFIGS", []string{"client ui"})
	fx.run(t)

	replies := fx.tr.repliesTo("s1", "CONFIGS")
	require.Len(t, replies, 1)
	assert.Empty(t, replies[0].Data.(map[string]map[string]string))
}

func TestDaemon_TagChangePushedOncePerBatch(t *testing.T) {
	fx := setupDaemon(t, testConf)

	fx.tr.push(t, "s1", "WATCHTAGS", []string{"xkcd"})
	fx.run(t)

	// Two mutations of the same tag inside one batch.
	fx.ingest(t, "https://xkcd.com/rss.xml", "1")
	fx.ingest(t, "https://xkcd.com/rss.xml", "1", "2")
	fx.bus.Publish(event.WorkDone{})

	require.Len(t, fx.tr.repliesTo("s1", "TAGCHANGE"), 1)

	// The dirty set is spent; an empty batch pushes nothing.
	fx.bus.Publish(event.WorkDone{})
	require.Len(t, fx.tr.repliesTo("s1", "TAGCHANGE"), 1)
}

func TestDaemon_NewTagPush(t *testing.T) {
	fx := setupDaemon(t, testConf)

	fx.tr.push(t, "s1", "WATCHNEWTAGS", nil)
	fx.run(t)

	fx.ingest(t, "https://lwn.net/rss", "a")

	pushes := fx.tr.repliesTo("s1", "NEWTAGS")
	require.Len(t, pushes, 1)
	assert.Equal(t, []string{"lwn"}, pushes[0].Data)
}

func TestDaemon_RemovedFeedAnnouncedAndDrained(t *testing.T) {
	fx := setupDaemon(t, testConf)
	fx.ingest(t, "https://xkcd.com/rss.xml", "1")
	id := feed.ItemID("https://xkcd.com/rss.xml", "1")

	// Client reads the tag, acquiring auto-protection, and watches
	// for deleted tags.
	fx.tr.push(t, "s1", "WATCHDELTAGS", nil)
	fx.tr.push(t, "s1", "ITEMS", []string{"xkcd"})
	fx.run(t)
	require.True(t, fx.pins.Protected(id))

	// Another client deletes the feed's config section.
	fx.tr.push(t, "s2", "SETCONFIGS", map[string]map[string]string{
		"feed xkcd": {},
	})
	fx.run(t)

	// The tags produced by the feed disappeared.
	pushes := fx.tr.repliesTo("s1", "DELTAGS")
	require.Len(t, pushes, 1)
	assert.ElementsMatch(t, []string{"xkcd", "comics"}, pushes[0].Data)

	// The feed is dead but survives while s1's protection holds.
	require.Len(t, fx.feeds.DeadFeeds(), 1)

	// s1 disconnects: protection revoked, feed discarded.
	fx.bus.Publish(event.KillSocket{Socket: "s1"})

	assert.False(t, fx.pins.Protected(id))
	assert.Empty(t, fx.feeds.DeadFeeds())

	_, err := fx.shelf.Get(context.Background(), "item|"+id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDaemon_UnprotectTriggersDeadFeedCheck(t *testing.T) {
	fx := setupDaemon(t, testConf)
	fx.ingest(t, "https://xkcd.com/rss.xml", "1")
	id := feed.ItemID("https://xkcd.com/rss.xml", "1")

	fx.tr.push(t, "s1", "PROTECT", map[string][]string{"saved": {id}})
	fx.tr.push(t, "s2", "SETCONFIGS", map[string]map[string]string{
		"feed xkcd": {},
	})
	fx.run(t)
	require.Len(t, fx.feeds.DeadFeeds(), 1)

	fx.tr.push(t, "s1", "UNPROTECT", map[string][]string{"saved": {id}})
	fx.run(t)

	assert.Empty(t, fx.feeds.DeadFeeds())
}

// Watch registration overlaps with a fetch worker creating tags; the
// new_tag handler reads the watch lists on the worker goroutine, so
// neither side may see a torn map. Run with -race.
func TestDaemon_WatchRegistrationDuringIngest(t *testing.T) {
	fx := setupDaemon(t, testConf)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			fx.tags.Lock().Write(func(ttok guard.WriteToken) {
				fx.tags.AddID(ttok, fmt.Sprintf("item%d", i), fmt.Sprintf("tag%d", i))
			})
		}
	}()

	for i := 0; i < 200; i++ {
		fx.d.dispatch(server.Request{Socket: "s1", Cmd: "WATCHNEWTAGS"})
		fx.d.dispatch(server.Request{Socket: "s2", Cmd: "WATCHDELTAGS"})
		fx.d.watches.removeSocket("s1")
	}
	<-done
}

func TestDaemon_KillSocketRemovesWatches(t *testing.T) {
	fx := setupDaemon(t, testConf)

	fx.tr.push(t, "s1", "WATCHNEWTAGS", nil)
	fx.tr.push(t, "s1", "WATCHDELTAGS", nil)
	fx.tr.push(t, "s1", "WATCHCONFIGS", nil)
	fx.tr.push(t, "s1", "WATCHTAGS", []string{"xkcd"})
	fx.run(t)

	fx.bus.Publish(event.KillSocket{Socket: "s1"})

	// Idempotent: a second kill is harmless.
	fx.bus.Publish(event.KillSocket{Socket: "s1"})

	fx.ingest(t, "https://lwn.net/rss", "a")
	fx.bus.Publish(event.WorkDone{})

	assert.Empty(t, fx.tr.repliesTo("s1", "NEWTAGS"))
	assert.Empty(t, fx.tr.repliesTo("s1", "TAGCHANGE"))
}

func TestDaemon_BootstrapTriggersInitialFetch(t *testing.T) {
	fx := setupDaemon(t, testConf)
	assert.Equal(t, 1, fx.fet.fetches)
}

func TestDaemon_RunExitsOnDie(t *testing.T) {
	fx := setupDaemon(t, testConf)
	fx.tr.push(t, "s1", "DIE", nil)

	done := make(chan error, 1)
	go func() { done <- fx.d.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit on DIE")
	}
}

func TestDaemon_RunExitsOnContextCancel(t *testing.T) {
	fx := setupDaemon(t, testConf)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fx.d.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit on cancellation")
	}
}
