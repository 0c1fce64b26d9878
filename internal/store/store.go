// Package store persists synchronized records, per-resource sync cursors,
// run history, and (optionally) encrypted credentials in SQLite.
//
// Writes go through a single writer connection and are additionally
// serialized per principal; reads use a separate pool so status and show
// commands never wait behind a sync.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

const readerConns = 4

// Store is the persistence layer. It is safe for concurrent use.
type Store struct {
	writer  *sql.DB
	reader  *sql.DB
	path    string
	logger  *slog.Logger
	nowFunc func() time.Time

	locks keyedMutex
}

// Open opens (creating if needed) the database at path, applies migrations,
// and returns a ready Store. The database runs in WAL mode with
// synchronous=FULL so a committed batch survives a crash.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"+
			"&_pragma=journal_size_limit(67108864)",
		path,
	)

	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening writer %s: %w", path, err)
	}

	writer.SetMaxOpenConns(1)

	if err := writer.PingContext(ctx); err != nil {
		writer.Close()
		return nil, fmt.Errorf("store: ping writer: %w", err)
	}

	if err := runMigrations(ctx, writer, logger); err != nil {
		writer.Close()
		return nil, err
	}

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("store: opening reader %s: %w", path, err)
	}

	reader.SetMaxOpenConns(readerConns)

	if err := reader.PingContext(ctx); err != nil {
		reader.Close()
		writer.Close()

		return nil, fmt.Errorf("store: ping reader: %w", err)
	}

	logger.Debug("store opened", slog.String("db_path", path))

	return &Store{
		writer:  writer,
		reader:  reader,
		path:    path,
		logger:  logger,
		nowFunc: time.Now,
	}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes both pools. Returns the first error encountered.
func (s *Store) Close() error {
	var firstErr error

	if err := s.reader.Close(); err != nil {
		firstErr = fmt.Errorf("store: closing reader: %w", err)
	}

	if err := s.writer.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("store: closing writer: %w", err)
	}

	return firstErr
}

// keyedMutex hands out one mutex per key. Keys are principals, a small and
// bounded set, so entries are never evicted.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()

	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}

	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}

	k.mu.Unlock()

	l.Lock()

	return l.Unlock
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullTime(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}

	return time.Unix(0, n.Int64).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
