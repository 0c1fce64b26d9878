package sync

import (
	"context"
	"fmt"
	"time"
)

// Backoff for consecutive failures of one target in watch mode.
// Nothing is delayed below backoffThreshold failures.
const (
	backoffThreshold = 3
	backoffMaxCap    = 1 * time.Hour
)

// backoffSteps maps consecutive failure counts (starting at the threshold)
// to their backoff durations: 3→1m, 4→5m, 5→15m, 6+→1h.
var backoffSteps = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	backoffMaxCap,
}

// Report is the outcome of one target's run. Result is set even when Err
// is, unless the run panicked.
type Report struct {
	Target Target
	Result *Result
	Err    error
}

// runner executes one target's sync with panic recovery, so a bug in one
// pipeline cannot take down the others.
type runner struct {
	target Target
}

// run calls fn, converting a panic into the report's error. fn is injected
// so panic recovery can be tested without an Engine.
func (r *runner) run(ctx context.Context, fn func(context.Context) (*Result, error)) (report *Report) {
	report = &Report{Target: r.target}

	defer func() {
		if p := recover(); p != nil {
			report.Result = nil
			report.Err = fmt.Errorf("panic in sync of %s: %v", r.target, p)
		}
	}()

	report.Result, report.Err = fn(ctx)

	return report
}

// backoffDuration returns how long to hold a target back after the given
// number of consecutive failures. Returns 0 below backoffThreshold.
func backoffDuration(failures int) time.Duration {
	if failures < backoffThreshold {
		return 0
	}

	idx := failures - backoffThreshold
	if idx >= len(backoffSteps) {
		return backoffMaxCap
	}

	return backoffSteps[idx]
}
