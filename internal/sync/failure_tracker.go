package sync

import (
	"log/slog"
	"sync"
	"time"
)

// failureCooldown forgets a failure streak whose last failure is older than
// this. It exceeds the longest backoff step so a held-back target is
// retried before its streak is forgotten.
const failureCooldown = 2 * backoffMaxCap

type failureRecord struct {
	count   int
	lastErr string
	lastAt  time.Time
}

// failureTracker holds back targets that keep failing in watch mode.
// Thread-safe. A target with backoffThreshold or more consecutive failures
// is skipped until backoffDuration(count) has passed since its last
// failure. Success clears the record.
type failureTracker struct {
	mu      sync.Mutex
	records map[string]*failureRecord
	logger  *slog.Logger
	nowFunc func() time.Time
}

func newFailureTracker(logger *slog.Logger) *failureTracker {
	return &failureTracker{
		records: make(map[string]*failureRecord),
		logger:  logger,
		nowFunc: time.Now,
	}
}

// shouldSkip reports whether key is still inside its backoff window.
func (ft *failureTracker) shouldSkip(key string) bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	rec, ok := ft.records[key]
	if !ok {
		return false
	}

	since := ft.nowFunc().Sub(rec.lastAt)
	if since > failureCooldown {
		delete(ft.records, key)
		return false
	}

	return since < backoffDuration(rec.count)
}

func (ft *failureTracker) recordFailure(key, errMsg string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	rec, ok := ft.records[key]
	if !ok {
		rec = &failureRecord{}
		ft.records[key] = rec
	}

	if ft.nowFunc().Sub(rec.lastAt) > failureCooldown {
		rec.count = 0
	}

	rec.count++
	rec.lastErr = errMsg
	rec.lastAt = ft.nowFunc()

	if d := backoffDuration(rec.count); d > 0 {
		ft.logger.Warn("target held back after repeated failures",
			slog.String("target", key),
			slog.Int("failures", rec.count),
			slog.String("last_error", errMsg),
			slog.Duration("backoff", d),
		)
	}
}

func (ft *failureTracker) recordSuccess(key string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	delete(ft.records, key)
}

// failures returns the current streak length for key.
func (ft *failureTracker) failures(key string) int {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if rec, ok := ft.records[key]; ok {
		return rec.count
	}

	return 0
}
