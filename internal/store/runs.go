package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chuanqiongzhr/eve-service/internal/principal"
)

const (
	sqlInsertRun = `INSERT INTO sync_runs
		(id, principal, resource, forced, started_at, finished_at,
		 pages, new_records, data_errors, not_modified, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	// Latest run per (principal, resource).
	sqlLatestRuns = `SELECT r.id, r.principal, r.resource, r.forced, r.started_at, r.finished_at,
		r.pages, r.new_records, r.data_errors, r.not_modified, r.error
		FROM sync_runs r
		WHERE r.started_at = (
			SELECT MAX(started_at) FROM sync_runs
			WHERE principal = r.principal AND resource = r.resource)
		ORDER BY r.principal, r.resource`
)

// Run is one sync attempt's outcome, kept as history.
type Run struct {
	ID          uuid.UUID
	Principal   principal.ID
	Resource    string
	Forced      bool
	StartedAt   time.Time
	FinishedAt  time.Time
	Pages       int
	NewRecords  int
	DataErrors  int
	NotModified bool
	Error       string
}

// RecordRun appends a run to history. It runs outside any data transaction
// so failed runs are recorded too. A zero ID is filled with a new UUID.
func (s *Store) RecordRun(ctx context.Context, r *Run) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}

	_, err := s.writer.ExecContext(ctx, sqlInsertRun,
		r.ID.String(), r.Principal.String(), r.Resource, boolInt(r.Forced),
		r.StartedAt.UnixNano(), r.FinishedAt.UnixNano(),
		r.Pages, r.NewRecords, r.DataErrors, boolInt(r.NotModified), nullString(r.Error),
	)
	if err != nil {
		return fmt.Errorf("store: recording run %s: %w", r.ID, err)
	}

	return nil
}

// LatestRuns returns the most recent run of every (principal, resource)
// pair that has history.
func (s *Store) LatestRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.reader.QueryContext(ctx, sqlLatestRuns)
	if err != nil {
		return nil, fmt.Errorf("store: querying runs: %w", err)
	}
	defer rows.Close()

	var out []Run

	for rows.Next() {
		var (
			r                     Run
			id, rawPrincipal      string
			forced, notModified   int
			startedAt, finishedAt int64
			errText               sql.NullString
		)

		if err := rows.Scan(&id, &rawPrincipal, &r.Resource, &forced, &startedAt, &finishedAt,
			&r.Pages, &r.NewRecords, &r.DataErrors, &notModified, &errText); err != nil {
			return nil, fmt.Errorf("store: scanning run: %w", err)
		}

		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("store: run id %q: %w", id, err)
		}

		if r.Principal, err = principal.Parse(rawPrincipal); err != nil {
			return nil, fmt.Errorf("store: run %s: %w", id, err)
		}

		r.Forced = forced != 0
		r.NotModified = notModified != 0
		r.StartedAt = time.Unix(0, startedAt).UTC()
		r.FinishedAt = time.Unix(0, finishedAt).UTC()
		r.Error = errText.String

		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating runs: %w", err)
	}

	return out, nil
}
