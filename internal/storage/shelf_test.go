// ABOUTME: Tests for the sqlite-backed shelf
// ABOUTME: Key/value operations, persistence across close, lifecycle events

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlewick/feedd/internal/event"
	"github.com/candlewick/feedd/internal/guard"
)

// setupTestShelf creates a shelf in a temp dir wired to a fresh bus.
func setupTestShelf(t *testing.T) (*Shelf, *event.Bus) {
	t.Helper()
	bus := event.NewBus(nil)
	path := filepath.Join(t.TempDir(), "feeds")

	shelf, err := Open(path, bus)
	require.NoError(t, err)

	t.Cleanup(func() {
		if shelf.db != nil {
			shelf.Close()
		}
	})
	return shelf, bus
}

func TestShelf_SetGet(t *testing.T) {
	shelf, _ := setupTestShelf(t)
	ctx := context.Background()

	require.NoError(t, shelf.Set(ctx, "feed|http://example.com/rss", []byte(`{"items":[]}`)))

	got, err := shelf.Get(ctx, "feed|http://example.com/rss")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"items":[]}`), got)
}

func TestShelf_GetMissing(t *testing.T) {
	shelf, _ := setupTestShelf(t)

	_, err := shelf.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestShelf_Contains(t *testing.T) {
	shelf, _ := setupTestShelf(t)
	ctx := context.Background()

	ok, err := shelf.Contains(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, shelf.Set(ctx, "k", []byte("v")))

	ok, err = shelf.Contains(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestShelf_Delete(t *testing.T) {
	shelf, _ := setupTestShelf(t)
	ctx := context.Background()

	require.NoError(t, shelf.Set(ctx, "k", []byte("v")))
	require.NoError(t, shelf.Delete(ctx, "k"))

	_, err := shelf.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	// Absent key is a no-op, not an error.
	require.NoError(t, shelf.Delete(ctx, "k"))
}

func TestShelf_Keys(t *testing.T) {
	shelf, _ := setupTestShelf(t)
	ctx := context.Background()

	require.NoError(t, shelf.Set(ctx, "feed|a", []byte("1")))
	require.NoError(t, shelf.Set(ctx, "feed|b", []byte("2")))
	require.NoError(t, shelf.Set(ctx, "item|x", []byte("3")))

	keys, err := shelf.Keys(ctx, "feed|")
	require.NoError(t, err)
	assert.Equal(t, []string{"feed|a", "feed|b"}, keys)
}

func TestShelf_CloseReopenPreservesData(t *testing.T) {
	bus := event.NewBus(nil)
	path := filepath.Join(t.TempDir(), "feeds")
	ctx := context.Background()

	var feedLock guard.RWLock

	shelf, err := Open(path, bus)
	require.NoError(t, err)

	require.NoError(t, shelf.Set(ctx, "item|1", []byte("body")))
	feedLock.Write(func(tok guard.WriteToken) {
		require.NoError(t, shelf.Sync(tok))
	})
	require.NoError(t, shelf.Close())

	reopened, err := Open(path, bus)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "item|1")
	require.NoError(t, err)
	assert.Equal(t, []byte("body"), got)
}

func TestShelf_Trim(t *testing.T) {
	shelf, _ := setupTestShelf(t)
	ctx := context.Background()

	require.NoError(t, shelf.Set(ctx, "k", []byte("v")))
	require.NoError(t, shelf.Trim())

	got, err := shelf.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestShelf_OpenCloseEvents(t *testing.T) {
	bus := event.NewBus(nil)
	path := filepath.Join(t.TempDir(), "feeds")

	var opened, closed []string
	bus.Subscribe(event.KindDBOpen, func(ev event.Event) {
		opened = append(opened, ev.(event.DBOpen).Path)
	})
	bus.Subscribe(event.KindDBClose, func(ev event.Event) {
		closed = append(closed, ev.(event.DBClose).Path)
	})

	shelf, err := Open(path, bus)
	require.NoError(t, err)
	require.NoError(t, shelf.Close())

	assert.Equal(t, []string{path}, opened)
	assert.Equal(t, []string{path}, closed)
}
