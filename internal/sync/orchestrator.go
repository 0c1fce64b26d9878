package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefaultPollInterval is the watch-mode cycle period.
const DefaultPollInterval = 15 * time.Minute

// OrchestratorConfig holds the inputs for an Orchestrator. Targets and
// Interval are called at the start of every cycle so a config reload takes
// effect without restarting the loop.
type OrchestratorConfig struct {
	Engine   *Engine
	Targets  func() []Target
	Interval func() time.Duration
	// Reload triggers an immediate cycle. Nil never fires.
	Reload <-chan struct{}
	// OnCycle, if set, receives every cycle's reports.
	OnCycle func([]*Report)
	Logger  *slog.Logger
}

// Orchestrator drives repeated SyncAll cycles for watch mode and holds
// back targets that keep failing.
type Orchestrator struct {
	cfg     *OrchestratorConfig
	tracker *failureTracker
	logger  *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg *OrchestratorConfig) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		cfg:     cfg,
		tracker: newFailureTracker(logger),
		logger:  logger,
	}
}

// RunOnce runs one cycle over every target not currently held back.
// Errors are in the reports; RunOnce itself never fails.
func (o *Orchestrator) RunOnce(ctx context.Context, force bool) []*Report {
	var due []Target

	for _, t := range o.cfg.Targets() {
		if !force && o.tracker.shouldSkip(t.String()) {
			o.logger.Debug("target held back",
				slog.String("target", t.String()),
				slog.Int("failures", o.tracker.failures(t.String())),
			)

			continue
		}

		due = append(due, t)
	}

	if len(due) == 0 {
		return nil
	}

	o.logger.Info("sync cycle starting", slog.Int("targets", len(due)), slog.Bool("forced", force))

	reports := o.cfg.Engine.SyncAll(ctx, due, force)

	failed := 0

	for _, r := range reports {
		key := r.Target.String()

		switch {
		case r.Err == nil:
			o.tracker.recordSuccess(key)
		case ctx.Err() != nil && errors.Is(r.Err, ctx.Err()):
			// Shutdown, not a target failure.
		default:
			failed++
			o.tracker.recordFailure(key, r.Err.Error())
		}
	}

	o.logger.Info("sync cycle complete", slog.Int("reports", len(reports)), slog.Int("failed", failed))

	if o.cfg.OnCycle != nil {
		o.cfg.OnCycle(reports)
	}

	return reports
}

// RunWatch runs a cycle immediately and then every Interval until ctx is
// canceled. A Reload signal runs a cycle at once and restarts the period.
// Returns nil on clean cancel.
func (o *Orchestrator) RunWatch(ctx context.Context) error {
	reload := o.cfg.Reload
	if reload == nil {
		reload = make(<-chan struct{})
	}

	o.logger.Info("watch started", slog.Duration("interval", o.interval()))
	defer o.logger.Info("watch stopped")

	o.RunOnce(ctx, false)

	timer := time.NewTimer(o.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-reload:
			o.logger.Info("configuration reloaded, running cycle")
			o.RunOnce(ctx, false)
			timer.Reset(o.interval())

		case <-timer.C:
			o.RunOnce(ctx, false)
			timer.Reset(o.interval())
		}
	}
}

func (o *Orchestrator) interval() time.Duration {
	if o.cfg.Interval != nil {
		if d := o.cfg.Interval(); d > 0 {
			return d
		}
	}

	return DefaultPollInterval
}
