package sync

import (
	"fmt"
	"iter"
	"log/slog"

	"github.com/chuanqiongzhr/eve-service/internal/esi"
	"github.com/chuanqiongzhr/eve-service/internal/principal"
	"github.com/chuanqiongzhr/eve-service/internal/resource"
	"github.com/chuanqiongzhr/eve-service/internal/store"
)

// mergeResult is what one walk produced: records to upsert and the cursor
// to write with them.
type mergeResult struct {
	records []store.Record
	// cursor is nil when a page was skipped, so the next run revisits it.
	cursor       *store.Cursor
	pages        int
	dataErrors   []error
	notModified  bool
	stoppedEarly bool
}

// merger folds a page sequence into a mergeResult according to the
// resource's ordering policy.
type merger struct {
	id     principal.ID
	def    resource.Definition
	logger *slog.Logger
}

// merge consumes pages. prev is the stored cursor (nil on first sync).
// Outside forced mode records at or below prev's high-water mark are
// dropped; for descending resources the walk stops after the first page
// that reaches the mark, unless the server's order turned out unreliable.
// A fetch error aborts the merge.
func (m *merger) merge(pages iter.Seq2[*esi.Page, error], prev *store.Cursor, force bool) (*mergeResult, error) {
	out := &mergeResult{}

	ordered := m.def.Order != resource.OrderNone
	filter := ordered && !force && prev != nil && prev.HasLastSeen

	var lastSeen int64
	if filter {
		lastSeen = prev.LastSeen
	}

	high, hasHigh := lastSeen, filter
	earlyStop := m.def.Order == resource.OrderDescending && filter

	var (
		validators esi.Validators
		prevKey    int64
		hasPrev    bool
	)

	seen := make(map[string]int)

	for page, err := range pages {
		if err != nil {
			return out, err
		}

		out.pages++

		if page.NotModified {
			out.notModified = true
			out.cursor = notModifiedCursor(prev, page.Validators)

			return out, nil
		}

		if page.Number == 1 {
			validators = page.Validators
		}

		recs, decodeErr := m.def.Decode(page.Body)
		if decodeErr != nil {
			out.dataErrors = append(out.dataErrors, fmt.Errorf("page %d: %w", page.Number, decodeErr))

			m.logger.Warn("skipping malformed page",
				slog.String("principal", m.id.String()),
				slog.String("resource", m.def.Kind),
				slog.Int("page", page.Number),
				slog.String("error", decodeErr.Error()),
			)

			continue
		}

		reached := false

		for _, r := range recs {
			if ordered && r.HasSortKey {
				if earlyStop && hasPrev && r.SortKey > prevKey {
					earlyStop = false

					m.logger.Warn("records out of order, reading every page",
						slog.String("principal", m.id.String()),
						slog.String("resource", m.def.Kind),
						slog.Int("page", page.Number),
						slog.Int64("key", r.SortKey),
						slog.Int64("previous", prevKey),
					)
				}

				prevKey, hasPrev = r.SortKey, true

				if filter && r.SortKey <= lastSeen {
					reached = true
					continue
				}

				if !hasHigh || r.SortKey > high {
					high, hasHigh = r.SortKey, true
				}
			}

			// Pages can shift while being walked. The copy fetched last is
			// the most recent and replaces the earlier one.
			if i, dup := seen[r.Key]; dup {
				out.records[i] = r
				continue
			}

			seen[r.Key] = len(out.records)
			out.records = append(out.records, r)
		}

		if earlyStop && reached {
			out.stoppedEarly = true

			m.logger.Debug("reached last seen record, stopping",
				slog.String("principal", m.id.String()),
				slog.String("resource", m.def.Kind),
				slog.Int("page", page.Number),
				slog.Int64("last_seen", lastSeen),
			)

			break
		}
	}

	if len(out.dataErrors) == 0 {
		out.cursor = &store.Cursor{
			LastSeen:    high,
			HasLastSeen: hasHigh,
			Validators:  validators,
		}
	}

	return out, nil
}

// notModifiedCursor keeps the stored high-water mark and takes the
// refreshed validators from the 304.
func notModifiedCursor(prev *store.Cursor, v esi.Validators) *store.Cursor {
	c := &store.Cursor{Validators: v}
	if prev != nil {
		c.LastSeen = prev.LastSeen
		c.HasLastSeen = prev.HasLastSeen
	}

	return c
}
