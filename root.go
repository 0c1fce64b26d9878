package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/chuanqiongzhr/eve-service/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagDBPath     string
	flagLogLevel   string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// logFilePermissions keeps log files private to the owner: they name
// principals and resource kinds.
const logFilePermissions = 0o600

// CLIFlags is the snapshot of persistent flags a command runs with.
type CLIFlags struct {
	ConfigPath string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext carries everything a subcommand needs after the root
// pre-run: flags, the resolved config, and the logger built from both.
type CLIContext struct {
	Flags   CLIFlags
	Cfg     *config.Config
	CfgPath string
	Env     config.EnvOverrides
	CLI     config.CLIOverrides
	Logger  *slog.Logger

	closeLog func() error
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext stored by the root pre-run. A
// missing context is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok || cc == nil {
		panic("BUG: CLIContext not set; PersistentPreRunE did not run")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "eve-service",
		Short:   "EVE Online character data sync",
		Long:    "Keeps wallet, loyalty, and mission data for EVE Online characters synchronized into a local SQLite database.",
		Version: version,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := loadCLIContext(cmd)
			if err != nil {
				return err
			}

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			cc, ok := cmd.Context().Value(cliContextKey{}).(*CLIContext)
			if !ok || cc.closeLog == nil {
				return nil
			}

			return cc.closeLog()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "SQLite database path")
	cmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newShowCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newReloadCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadCLIContext resolves the effective configuration from the four-layer
// override chain and builds the logger every subcommand shares.
func loadCLIContext(cmd *cobra.Command) (*CLIContext, error) {
	flags := CLIFlags{
		ConfigPath: flagConfigPath,
		JSON:       flagJSON,
		Verbose:    flagVerbose,
		Quiet:      flagQuiet,
	}

	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	// Only explicitly set flags override the file and environment.
	if cmd.Flags().Changed("db") {
		cli.DBPath = &flagDBPath
	}

	if cmd.Flags().Changed("log-level") {
		cli.LogLevel = &flagLogLevel
	}

	env := config.ReadEnvOverrides()

	cfg, cfgPath, err := config.Resolve(env, cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, closeLog, err := buildLogger(&cfg.Logging, flags, os.Stderr)
	if err != nil {
		return nil, err
	}

	return &CLIContext{
		Flags:    flags,
		Cfg:      cfg,
		CfgPath:  cfgPath,
		Env:      env,
		CLI:      cli,
		Logger:   logger,
		closeLog: closeLog,
	}, nil
}

// buildLogger creates an slog.Logger configured by [logging] and CLI flags.
// Config-file log level provides the baseline; --verbose and --quiet
// override it because CLI flags always win. Output goes to log_file when
// set, otherwise to stderr.
func buildLogger(lc *config.LoggingConfig, flags CLIFlags, stderr *os.File) (*slog.Logger, func() error, error) {
	level := logLevel(lc.LogLevel, flags)

	if lc.LogFile == "" {
		tty := isatty.IsTerminal(stderr.Fd()) || isatty.IsCygwinTerminal(stderr.Fd())

		return slog.New(newLogHandler(stderr, lc.LogFormat, tty, level)), nil, nil
	}

	f, err := os.OpenFile(lc.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermissions)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	return slog.New(newLogHandler(f, lc.LogFormat, false, level)), f.Close, nil
}

// logLevel maps the configured level name to a slog.Level, then applies
// --verbose and --quiet.
func logLevel(name string, flags CLIFlags) slog.Level {
	level := slog.LevelInfo

	switch name {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	return level
}

// newLogHandler picks the handler for format. "auto" means text for a
// terminal and JSON for anything else (pipes, files, journald).
func newLogHandler(w io.Writer, format string, tty bool, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	switch {
	case format == "json":
		return slog.NewJSONHandler(w, opts)
	case format == "text", format == "auto" && tty:
		return slog.NewTextHandler(w, opts)
	default:
		return slog.NewJSONHandler(w, opts)
	}
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
