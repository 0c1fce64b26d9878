// Package retry runs fallible operations with exponential backoff. Callers
// supply a Classifier that decides, per error, whether another attempt is
// worthwhile and whether the remote side asked for a specific delay.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Default policy values.
const (
	DefaultMaxRetries    = 5
	DefaultBaseDelay     = 1 * time.Second
	DefaultMaxDelay      = 60 * time.Second
	DefaultMaxRetryAfter = 5 * time.Minute
	backoffFactor        = 2.0
	jitterFraction       = 0.25
)

// Decision is the classifier's verdict on a failed attempt.
type Decision int

const (
	// Fatal errors are returned immediately.
	Fatal Decision = iota
	// Transient errors are retried with exponential backoff.
	Transient
	// RateLimited errors are retried after the server-provided delay.
	RateLimited
)

func (d Decision) String() string {
	switch d {
	case Fatal:
		return "fatal"
	case Transient:
		return "transient"
	case RateLimited:
		return "rate_limited"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Verdict pairs a Decision with an optional server-requested delay. Delay is
// only meaningful for RateLimited; zero falls back to computed backoff.
type Verdict struct {
	Decision Decision
	Delay    time.Duration
}

// Classifier maps an error returned by an attempt to a Verdict.
type Classifier func(err error) Verdict

// Policy bounds how many times and how long the executor waits.
type Policy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	MaxRetryAfter time.Duration
}

// DefaultPolicy returns base 1s, factor 2, cap 60s, five retries.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    DefaultMaxRetries,
		BaseDelay:     DefaultBaseDelay,
		MaxDelay:      DefaultMaxDelay,
		MaxRetryAfter: DefaultMaxRetryAfter,
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option customizes an Executor.
type Option func(*Executor)

// WithSleep replaces the wait function. Tests use it to avoid real delays.
func WithSleep(fn SleepFunc) Option {
	return func(e *Executor) { e.sleepFunc = fn }
}

// Executor retries operations according to a Policy and Classifier.
// It is safe for concurrent use.
type Executor struct {
	policy    Policy
	classify  Classifier
	logger    *slog.Logger
	sleepFunc SleepFunc
}

// New creates an Executor. A nil classifier treats every error as Fatal.
func New(policy Policy, classify Classifier, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}

	if classify == nil {
		classify = func(error) Verdict { return Verdict{Decision: Fatal} }
	}

	e := &Executor{
		policy:    policy,
		classify:  classify,
		logger:    logger,
		sleepFunc: TimeSleep,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Do calls fn until it succeeds, the classifier says Fatal, retries are
// exhausted, or ctx is canceled. On exhaustion the last error from fn is
// returned as-is so callers can classify it with errors.Is/As.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var attempt int

	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return err
		}

		verdict := e.classify(err)
		if verdict.Decision == Fatal {
			return err
		}

		if attempt >= e.policy.MaxRetries {
			e.logger.Warn("retries exhausted",
				slog.String("op", op),
				slog.Int("attempts", attempt+1),
				slog.String("error", err.Error()),
			)

			return err
		}

		wait := e.delay(verdict, attempt)
		e.logger.Debug("retrying after error",
			slog.String("op", op),
			slog.String("decision", verdict.Decision.String()),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)

		if sleepErr := e.sleepFunc(ctx, wait); sleepErr != nil {
			return fmt.Errorf("retry: %s canceled: %w", op, errors.Join(sleepErr, err))
		}

		attempt++
	}
}

// delay picks the wait before the next attempt. A server-requested delay
// wins over computed backoff but never exceeds MaxRetryAfter.
func (e *Executor) delay(v Verdict, attempt int) time.Duration {
	if v.Decision == RateLimited && v.Delay > 0 {
		if e.policy.MaxRetryAfter > 0 && v.Delay > e.policy.MaxRetryAfter {
			return e.policy.MaxRetryAfter
		}

		return v.Delay
	}

	return Backoff(e.policy, attempt)
}

// Backoff computes exponential backoff with ±25% jitter for the given
// zero-based attempt. The result never exceeds MaxDelay.
func Backoff(p Policy, attempt int) time.Duration {
	backoff := float64(p.BaseDelay) * math.Pow(backoffFactor, float64(attempt))
	if p.MaxDelay > 0 && backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	if p.MaxDelay > 0 && backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}

	return time.Duration(backoff)
}

// TimeSleep waits for d or until ctx is canceled. It is the default
// SleepFunc.
func TimeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NoSleep returns immediately unless ctx is already done.
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
