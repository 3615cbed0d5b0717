// ABOUTME: SQLite-backed key/value shelf holding all persisted feed state
// ABOUTME: Deferred sync per command batch, compaction deferred to close

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/candlewick/feedd/internal/event"
	"github.com/candlewick/feedd/internal/guard"
)

// ErrNotFound is returned by Get when the key has no record.
var ErrNotFound = errors.New("not found")

// Shelf is a single-file key/value store. It has no feed or tag
// semantics; callers marshal whatever they persist under a key. The
// daemon holds exactly one Shelf open for the life of the process.
type Shelf struct {
	path   string
	db     *sql.DB
	bus    *event.Bus
	logger *slog.Logger
}

// Open opens (creating if absent) the shelf file at path and publishes
// a DBOpen event. Parent directories are created if needed.
func Open(path string, bus *event.Bus) (*Shelf, error) {
	logger := slog.Default().With("component", "shelf")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating shelf directory: %w", err)
	}

	s := &Shelf{
		path:   path,
		bus:    bus,
		logger: logger,
	}
	if err := s.open(); err != nil {
		return nil, err
	}

	logger.Info("shelf opened", "path", path)
	bus.Publish(event.DBOpen{Path: path})
	return s, nil
}

func (s *Shelf) open() error {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("opening shelf: %w", err)
	}

	// WAL keeps readers unblocked while the fetch engine writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return fmt.Errorf("enabling WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS shelf (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return fmt.Errorf("creating schema: %w", err)
	}

	s.db = db
	return nil
}

// Get returns the value stored under key, or ErrNotFound.
func (s *Shelf) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM shelf WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting %q: %w", key, err)
	}
	return value, nil
}

// Set stores value under key, replacing any previous value.
func (s *Shelf) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shelf (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("setting %q: %w", key, err)
	}
	return nil
}

// Contains reports whether key has a record.
func (s *Shelf) Contains(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM shelf WHERE key = ?", key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking %q: %w", key, err)
	}
	return true, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Shelf) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM shelf WHERE key = ?", key); err != nil {
		return fmt.Errorf("deleting %q: %w", key, err)
	}
	return nil
}

// Keys returns every key beginning with prefix, in key order.
func (s *Shelf) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM shelf WHERE key LIKE ? || '%' ORDER BY key", prefix)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Sync flushes buffered writes to the main database file. The caller
// must hold the feed-data write lock: a checkpoint racing a feed
// mutation could persist a torn structure. Invoked once per command
// batch, not per write.
func (s *Shelf) Sync(guard.WriteToken) error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpointing shelf: %w", err)
	}
	return nil
}

// Trim closes and reopens the backing file, a caller-invoked
// compaction point distinct from normal close.
func (s *Shelf) Trim() error {
	s.logger.Debug("trimming shelf")
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing shelf for trim: %w", err)
	}
	return s.open()
}

// Close syncs and closes the shelf. The workload is delete heavy, so
// the file is compacted here rather than per batch; a failed
// compaction costs disk space, not data, and only warns. Publishes
// DBClose afterward.
func (s *Shelf) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("final checkpoint failed", "error", err)
	}

	if _, err := s.db.Exec("VACUUM"); err != nil {
		s.logger.Warn("failed to compact shelf", "error", err)
	} else {
		s.logger.Debug("shelf compacted")
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing shelf: %w", err)
	}
	s.db = nil

	s.bus.Publish(event.DBClose{Path: s.path})
	return nil
}
