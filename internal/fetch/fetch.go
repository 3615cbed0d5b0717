// ABOUTME: Background fetch engine: worker pool retrieving and ingesting feeds
// ABOUTME: Fetch() queues a sweep; Process() reaps one bounded unit per loop turn

package fetch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/candlewick/feedd/internal/feed"
	"github.com/candlewick/feedd/internal/guard"
	"github.com/candlewick/feedd/internal/tag"
)

// Source retrieves one feed and returns its normalized entries.
type Source interface {
	Fetch(ctx context.Context, url string) ([]feed.Item, error)
}

// maxReapPerTurn bounds how many completed fetches Process handles in
// one dispatch-loop turn, keeping the loop responsive.
const maxReapPerTurn = 4

type result struct {
	f   *feed.Feed
	err error
}

// Engine drives feed retrieval on background workers. Workers ingest
// results themselves under the feed-data and tag write locks, making
// the engine the only concurrent writer to feed state besides the
// dispatch loop. Process, called from the dispatch loop, reaps
// completions.
type Engine struct {
	source    Source
	feeds     *feed.Registry
	tags      *tag.Registry
	feedLock  *guard.RWLock
	protected func(string) bool
	logger    *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	requests chan *feed.Feed
	results  chan result
	wg       sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]bool

	stopOnce sync.Once
}

// NewEngine creates an engine; Start launches its workers.
func NewEngine(source Source, feeds *feed.Registry, tags *tag.Registry, feedLock *guard.RWLock, protected func(string) bool, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		source:    source,
		feeds:     feeds,
		tags:      tags,
		feedLock:  feedLock,
		protected: protected,
		logger:    logger.With("component", "fetch"),
		ctx:       ctx,
		cancel:    cancel,
		requests:  make(chan *feed.Feed, 64),
		results:   make(chan result, 64),
		inflight:  make(map[string]bool),
	}
}

// Start launches the worker pool.
func (e *Engine) Start(workers int) {
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
}

// Stop cancels in-flight retrievals and waits for workers to exit.
// Completions nobody reaped are drained so a worker blocked on the
// results channel can still finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.cancel()
		close(e.requests)

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		for {
			select {
			case <-e.results:
			case <-done:
				return
			}
		}
	})
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for f := range e.requests {
		items, err := e.source.Fetch(e.ctx, f.URL)
		if err == nil {
			e.feedLock.Write(func(ftok guard.WriteToken) {
				e.tags.Lock().Write(func(ttok guard.WriteToken) {
					err = f.Update(e.ctx, ftok, ttok, e.tags, items, e.protected)
				})
			})
		}
		e.results <- result{f: f, err: err}
	}
}

// Fetch queues a sweep of every active feed. Feeds already in flight
// or queued are skipped; a full request queue drops the remainder of
// the sweep until the next trigger.
func (e *Engine) Fetch() {
	for _, f := range e.feeds.Active() {
		e.mu.Lock()
		if e.inflight[f.URL] {
			e.mu.Unlock()
			continue
		}
		e.inflight[f.URL] = true
		e.mu.Unlock()

		select {
		case e.requests <- f:
			e.logger.Debug("fetch queued", "feed", f.Name)
		default:
			e.mu.Lock()
			delete(e.inflight, f.URL)
			e.mu.Unlock()
			e.logger.Warn("fetch queue full, deferring sweep", "feed", f.Name)
			return
		}
	}
}

// Process reaps completed fetches, at most a few per call so the
// dispatch loop keeps servicing clients. Returns how many completed;
// a non-zero return means feed state changed and the batch hooks
// should run.
func (e *Engine) Process() int {
	reaped := 0
	for reaped < maxReapPerTurn {
		select {
		case res := <-e.results:
			e.mu.Lock()
			delete(e.inflight, res.f.URL)
			e.mu.Unlock()

			if res.err != nil {
				e.logger.Warn("fetch failed", "feed", res.f.Name, "error", res.err)
			} else {
				e.logger.Debug("fetch complete", "feed", res.f.Name)
			}
			reaped++
		default:
			return reaped
		}
	}
	return reaped
}
