package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chuanqiongzhr/eve-service/internal/esi"
	"github.com/chuanqiongzhr/eve-service/internal/principal"
)

// SQL statements for record and cursor operations.
const (
	sqlUpsertRecord = `INSERT INTO records
		(principal, resource, natural_key, sort_key, status, payload, content_hash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(principal, resource, natural_key) DO UPDATE SET
		 sort_key = excluded.sort_key,
		 status = excluded.status,
		 payload = excluded.payload,
		 content_hash = excluded.content_hash,
		 updated_at = excluded.updated_at
		WHERE records.content_hash != excluded.content_hash`

	sqlGetCursor = `SELECT last_seen, etag, last_modified, expires, cache_control, updated_at
		FROM sync_cursors WHERE principal = ? AND resource = ?`

	sqlUpsertCursor = `INSERT INTO sync_cursors
		(principal, resource, last_seen, etag, last_modified, expires, cache_control, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(principal, resource) DO UPDATE SET
		 last_seen = excluded.last_seen,
		 etag = excluded.etag,
		 last_modified = excluded.last_modified,
		 expires = excluded.expires,
		 cache_control = excluded.cache_control,
		 updated_at = excluded.updated_at`

	sqlCountRecords = `SELECT COUNT(*) FROM records WHERE principal = ? AND resource = ?`
)

// Record is one persisted item of a resource, identified by its natural key.
type Record struct {
	Key        string
	SortKey    int64
	HasSortKey bool
	Status     string
	Payload    json.RawMessage
	UpdatedAt  time.Time
}

// Hash is the content hash used to skip no-op rewrites.
func (r *Record) Hash() string {
	h := sha256.New()
	h.Write([]byte(r.Status))
	h.Write([]byte{0})
	h.Write(r.Payload)

	return hex.EncodeToString(h.Sum(nil))
}

// Cursor is the per-(principal, resource) sync position.
type Cursor struct {
	LastSeen    int64
	HasLastSeen bool
	Validators  esi.Validators
	UpdatedAt   time.Time
}

// Batch is one merge result to commit atomically.
type Batch struct {
	Principal principal.ID
	Resource  string
	Records   []Record
	// Cursor is written after the records. Nil leaves the stored cursor
	// untouched (a run that skipped pages must revisit them).
	Cursor *Cursor
	// Forced allows the high-water mark to move backwards.
	Forced bool
}

// ErrNoCursor is returned by Cursor when the pair has never synced.
var ErrNoCursor = errors.New("store: no cursor")

// Commit upserts the batch's records and then its cursor in one
// transaction. Records whose content hash is unchanged are not rewritten.
// Returns the number of rows inserted or changed. Any failure, including
// context cancellation, rolls back the whole batch.
func (s *Store) Commit(ctx context.Context, b Batch) (int, error) {
	unlock := s.locks.lock(b.Principal.String())
	defer unlock()

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: beginning commit transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.nowFunc()
	written := 0

	for i := range b.Records {
		n, err := upsertRecord(ctx, tx, b.Principal, b.Resource, &b.Records[i], now)
		if err != nil {
			return 0, err
		}

		written += n
	}

	if b.Cursor != nil {
		if err := s.saveCursor(ctx, tx, b, now); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: committing transaction: %w", err)
	}

	s.logger.Debug("batch committed",
		slog.String("principal", b.Principal.String()),
		slog.String("resource", b.Resource),
		slog.Int("records", len(b.Records)),
		slog.Int("written", written),
		slog.Bool("cursor", b.Cursor != nil),
	)

	return written, nil
}

func upsertRecord(ctx context.Context, tx *sql.Tx, id principal.ID, resource string, r *Record, now time.Time) (int, error) {
	var sortKey sql.NullInt64
	if r.HasSortKey {
		sortKey = sql.NullInt64{Int64: r.SortKey, Valid: true}
	}

	res, err := tx.ExecContext(ctx, sqlUpsertRecord,
		id.String(), resource, r.Key, sortKey, nullString(r.Status),
		string(r.Payload), r.Hash(), now.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: upserting %s/%s record %q: %w", id, resource, r.Key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: rows affected: %w", err)
	}

	return int(n), nil
}

// saveCursor writes the batch cursor. Outside forced runs the stored
// high-water mark never decreases.
func (s *Store) saveCursor(ctx context.Context, tx *sql.Tx, b Batch, now time.Time) error {
	c := *b.Cursor

	if !b.Forced {
		prev, err := scanCursor(tx.QueryRowContext(ctx, sqlGetCursor, b.Principal.String(), b.Resource))
		if err != nil && !errors.Is(err, ErrNoCursor) {
			return err
		}

		if err == nil && prev.HasLastSeen && (!c.HasLastSeen || prev.LastSeen > c.LastSeen) {
			c.LastSeen = prev.LastSeen
			c.HasLastSeen = true
		}
	}

	var lastSeen sql.NullInt64
	if c.HasLastSeen {
		lastSeen = sql.NullInt64{Int64: c.LastSeen, Valid: true}
	}

	_, err := tx.ExecContext(ctx, sqlUpsertCursor,
		b.Principal.String(), b.Resource, lastSeen,
		nullString(c.Validators.ETag), nullString(c.Validators.LastModified),
		nullTime(c.Validators.Expires), nullString(c.Validators.CacheControl),
		now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: saving cursor for %s/%s: %w", b.Principal, b.Resource, err)
	}

	return nil
}

// Cursor returns the stored cursor, or ErrNoCursor.
func (s *Store) Cursor(ctx context.Context, id principal.ID, resource string) (*Cursor, error) {
	return scanCursor(s.reader.QueryRowContext(ctx, sqlGetCursor, id.String(), resource))
}

func scanCursor(row *sql.Row) (*Cursor, error) {
	var (
		c                       Cursor
		lastSeen, expires       sql.NullInt64
		etag, lastMod, cacheCtl sql.NullString
		updatedAt               int64
	)

	err := row.Scan(&lastSeen, &etag, &lastMod, &expires, &cacheCtl, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCursor
	}

	if err != nil {
		return nil, fmt.Errorf("store: reading cursor: %w", err)
	}

	c.LastSeen, c.HasLastSeen = lastSeen.Int64, lastSeen.Valid
	c.Validators = esi.Validators{
		ETag:         etag.String,
		LastModified: lastMod.String,
		Expires:      fromNullTime(expires),
		CacheControl: cacheCtl.String,
	}
	c.UpdatedAt = time.Unix(0, updatedAt).UTC()

	return &c, nil
}

// Filter narrows a Records query.
type Filter struct {
	// Status keeps only records with this status (case-insensitive).
	Status string
	// MinSortKey keeps records whose sort key is at least this value.
	MinSortKey *int64
	// Limit caps the result; zero means no limit.
	Limit int
}

// Records returns persisted records for the pair, highest sort key first,
// then by natural key.
func (s *Store) Records(ctx context.Context, id principal.ID, resource string, f Filter) ([]Record, error) {
	var (
		query strings.Builder
		args  = []any{id.String(), resource}
	)

	query.WriteString(`SELECT natural_key, sort_key, status, payload, updated_at
		FROM records WHERE principal = ? AND resource = ?`)

	if f.Status != "" {
		query.WriteString(` AND lower(status) = lower(?)`)
		args = append(args, f.Status)
	}

	if f.MinSortKey != nil {
		query.WriteString(` AND sort_key >= ?`)
		args = append(args, *f.MinSortKey)
	}

	query.WriteString(` ORDER BY sort_key IS NULL, sort_key DESC, natural_key`)

	if f.Limit > 0 {
		query.WriteString(` LIMIT ?`)
		args = append(args, f.Limit)
	}

	rows, err := s.reader.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("store: querying %s/%s records: %w", id, resource, err)
	}
	defer rows.Close()

	var out []Record

	for rows.Next() {
		var (
			r         Record
			sortKey   sql.NullInt64
			status    sql.NullString
			payload   string
			updatedAt int64
		)

		if err := rows.Scan(&r.Key, &sortKey, &status, &payload, &updatedAt); err != nil {
			return nil, fmt.Errorf("store: scanning record: %w", err)
		}

		r.SortKey, r.HasSortKey = sortKey.Int64, sortKey.Valid
		r.Status = status.String
		r.Payload = json.RawMessage(payload)
		r.UpdatedAt = time.Unix(0, updatedAt).UTC()

		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating records: %w", err)
	}

	return out, nil
}

// CountRecords returns how many records the pair has.
func (s *Store) CountRecords(ctx context.Context, id principal.ID, resource string) (int, error) {
	var n int
	if err := s.reader.QueryRowContext(ctx, sqlCountRecords, id.String(), resource).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: counting %s/%s records: %w", id, resource, err)
	}

	return n, nil
}
