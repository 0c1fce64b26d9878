package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/chuanqiongzhr/eve-service/internal/config"
	"github.com/chuanqiongzhr/eve-service/internal/sync"
)

// configDebounce coalesces the burst of events an editor's save produces
// (write, chmod, rename-over) into one reload.
const configDebounce = 500 * time.Millisecond

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Sync continuously on a fixed interval",
		Long: `Run sync cycles every [sync] poll_interval until interrupted.

Targets that fail three times in a row are held back with growing backoff
(1m, 5m, 15m, then 1h) until they succeed again. Editing the config file, or
running 'eve-service reload', applies the new principals, resources, and
interval without a restart. Only one watch may run per data directory.`,
		RunE: runWatch,
	}
}

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the running watch to reload its configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			pid, err := sendSIGHUP(config.PIDFilePath())
			if err != nil {
				return err
			}

			cc.Statusf("Sent reload to watch (PID %d).\n", pid)

			return nil
		},
	}
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	cleanup, err := writePIDFile(config.PIDFilePath())
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(cmd.Context(), logger)

	svc, err := openServices(ctx, cc.Cfg, cc.Env, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	holder := config.NewHolder(cc.Cfg, cc.CfgPath, cc.Env, cc.CLI)
	reload := make(chan struct{}, 1)

	cw := &configWatcher{holder: holder, reload: reload, logger: logger}

	hup, stopHUP := reloadSignals()
	defer stopHUP()

	var fw fsWatcher

	if watcher, werr := newFsnotifyWatcher(); werr != nil {
		logger.Warn("config file watching unavailable", slog.String("error", werr.Error()))
	} else {
		defer watcher.Close()

		fw = watcher
	}

	go cw.run(ctx, fw, hup)

	orch := sync.NewOrchestrator(&sync.OrchestratorConfig{
		Engine: svc.engine,
		Targets: func() []sync.Target {
			return watchTargets(ctx, svc, holder.Config(), logger)
		},
		Interval: func() time.Duration { return holder.Config().PollInterval() },
		Reload:   reload,
		OnCycle: func(reports []*sync.Report) {
			if !cc.Flags.Quiet {
				printSyncReports(cmd.ErrOrStderr(), reports)
			}
		},
		Logger: logger,
	})

	return orch.RunWatch(ctx)
}

// watchTargets recomputes the cycle's targets from the current config. New
// logins are picked up here when [sync] principals is empty.
func watchTargets(ctx context.Context, svc *services, cfg *config.Config, logger *slog.Logger) []sync.Target {
	principals := cfg.Principals()

	if len(principals) == 0 {
		ids, err := svc.creds.Store().List(ctx)
		if err != nil {
			logger.Warn("listing credentials", slog.String("error", err.Error()))

			return nil
		}

		principals = ids
	}

	return sync.Targets(principals, cfg.Sync.Resources)
}

// fsWatcher is the subset of *fsnotify.Watcher the config watcher uses,
// so tests can feed events without touching the filesystem.
type fsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

func newFsnotifyWatcher() (*fsnotifyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}

	return &fsnotifyWatcher{w: w}, nil
}

func (f *fsnotifyWatcher) Add(name string) error         { return f.w.Add(name) }
func (f *fsnotifyWatcher) Close() error                  { return f.w.Close() }
func (f *fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f *fsnotifyWatcher) Errors() <-chan error          { return f.w.Errors }

// configWatcher reloads the config holder on file changes and SIGHUP and
// pokes the orchestrator after every successful reload. A config that
// fails to load or validate is logged and ignored; the previous one stays
// in force.
type configWatcher struct {
	holder   *config.Holder
	reload   chan<- struct{}
	logger   *slog.Logger
	debounce time.Duration
}

// run blocks until ctx is canceled. watcher may be nil, in which case only
// SIGHUP triggers reloads.
func (cw *configWatcher) run(ctx context.Context, watcher fsWatcher, hup <-chan os.Signal) {
	var events <-chan fsnotify.Event

	var errs <-chan error

	path := cw.holder.Path()

	// The directory is watched, not the file: editors replace files by
	// rename, which drops a watch on the file itself.
	if watcher != nil && path != "" {
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			cw.logger.Warn("cannot watch config directory",
				slog.String("path", filepath.Dir(path)),
				slog.String("error", err.Error()),
			)
		} else {
			events, errs = watcher.Events(), watcher.Errors()
		}
	}

	debounce := cw.debounce
	if debounce <= 0 {
		debounce = configDebounce
	}

	timer := time.NewTimer(debounce)
	timer.Stop()

	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				events = nil

				continue
			}

			if filepath.Clean(ev.Name) != filepath.Clean(path) || ev.Op == fsnotify.Chmod {
				continue
			}

			timer.Reset(debounce)

		case err, ok := <-errs:
			if !ok {
				errs = nil

				continue
			}

			cw.logger.Warn("config watcher error", slog.String("error", err.Error()))

		case <-hup:
			cw.logger.Info("received SIGHUP, reloading configuration")
			cw.apply()

		case <-timer.C:
			cw.logger.Info("config file changed, reloading", slog.String("path", path))
			cw.apply()
		}
	}
}

func (cw *configWatcher) apply() {
	if _, err := cw.holder.Reload(); err != nil {
		cw.logger.Warn("config reload rejected, keeping previous configuration",
			slog.String("error", err.Error()),
		)

		return
	}

	// A pending poke already covers this reload.
	select {
	case cw.reload <- struct{}{}:
	default:
	}
}
