package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/chuanqiongzhr/eve-service/internal/sync"
)

// errSyncIncomplete is returned when at least one target failed. The
// per-target outcome has already been printed.
var errSyncIncomplete = errors.New("sync incomplete")

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize resources for logged-in principals",
		Long: `Run one sync cycle: fetch every selected resource for every selected
principal and merge new records into the local database.

By default sync is incremental and stops paging at already-seen entries. Use
--full to re-fetch everything and recompute the high-water mark.`,
		RunE: runSync,
	}

	cmd.Flags().StringSlice("principal", nil, "principal to sync, e.g. esi:2112625428 (repeatable; default: all)")
	cmd.Flags().StringSlice("resource", nil, "resource kind to sync (repeatable; default: [sync] resources or all)")
	cmd.Flags().Bool("full", false, "ignore cursors and re-fetch every page")

	return cmd
}

// syncOutput is the JSON schema for one target in `sync --json`.
type syncOutput struct {
	Principal    string   `json:"principal"`
	Resource     string   `json:"resource"`
	RunID        string   `json:"run_id,omitempty"`
	Forced       bool     `json:"forced"`
	NewRecords   int      `json:"new_records"`
	Pages        int      `json:"pages"`
	DataErrors   int      `json:"data_errors"`
	NotModified  bool     `json:"not_modified"`
	StoppedEarly bool     `json:"stopped_early"`
	DurationMS   int64    `json:"duration_ms"`
	Error        string   `json:"error,omitempty"`
	Kind         string   `json:"error_kind,omitempty"`
	Problems     []string `json:"problems,omitempty"`
}

func runSync(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	explicit, _ := cmd.Flags().GetStringSlice("principal")
	kinds, _ := cmd.Flags().GetStringSlice("resource")
	full, _ := cmd.Flags().GetBool("full")

	if len(kinds) == 0 {
		kinds = cc.Cfg.Sync.Resources
	}

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	svc, err := openServices(ctx, cc.Cfg, cc.Env, cc.Logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	principals, err := svc.principalsToSync(ctx, explicit)
	if err != nil {
		return err
	}

	targets := sync.Targets(principals, kinds)
	if len(targets) == 0 {
		cc.Statusf("Nothing to sync. Run 'eve-service login' first.\n")

		return nil
	}

	cc.Logger.Info("sync started", slog.Int("targets", len(targets)), slog.Bool("full", full))

	reports := svc.engine.SyncAll(ctx, targets, full)

	if cc.Flags.JSON {
		if err := writeJSON(cmd.OutOrStdout(), syncOutputs(reports)); err != nil {
			return err
		}
	} else {
		printSyncReports(cmd.OutOrStdout(), reports)
	}

	if failed := countFailed(reports); failed > 0 {
		return fmt.Errorf("%w: %d of %d targets failed", errSyncIncomplete, failed, len(reports))
	}

	return nil
}

func syncOutputs(reports []*sync.Report) []syncOutput {
	out := make([]syncOutput, 0, len(reports))

	for _, r := range reports {
		o := syncOutput{
			Principal: r.Target.Principal.String(),
			Resource:  r.Target.Resource,
		}

		if res := r.Result; res != nil {
			o.RunID = res.RunID.String()
			o.Forced = res.Forced
			o.NewRecords = res.NewRecords
			o.Pages = res.Pages
			o.DataErrors = res.DataErrors
			o.NotModified = res.NotModified
			o.StoppedEarly = res.StoppedEarly
			o.DurationMS = res.Duration.Milliseconds()

			for _, e := range res.Errors {
				o.Problems = append(o.Problems, e.Error())
			}
		}

		if r.Err != nil {
			o.Error = r.Err.Error()

			if k := sync.KindOf(r.Err); k != 0 {
				o.Kind = k.String()
			}
		}

		out = append(out, o)
	}

	return out
}

func printSyncReports(w io.Writer, reports []*sync.Report) {
	rows := make([][]string, 0, len(reports))

	for _, r := range reports {
		row := []string{r.Target.Principal.String(), r.Target.Resource, "", "", "", ""}

		if res := r.Result; res != nil {
			row[3] = strconv.Itoa(res.Pages)
			row[4] = strconv.Itoa(res.NewRecords)
			row[5] = res.Duration.Round(durationDisplayPrecision).String()
		}

		row[2] = reportState(r)
		rows = append(rows, row)
	}

	printTable(w, []string{"PRINCIPAL", "RESOURCE", "RESULT", "PAGES", "NEW", "TOOK"}, rows)

	for _, r := range reports {
		if r.Err != nil {
			fmt.Fprintf(w, "\n%s: %v\n", r.Target, r.Err)
		}
	}
}

func reportState(r *sync.Report) string {
	switch {
	case r.Err != nil && sync.KindOf(r.Err) != 0:
		return "failed (" + sync.KindOf(r.Err).String() + ")"
	case r.Err != nil:
		return "failed"
	case r.Result == nil:
		return "skipped"
	case r.Result.DataErrors > 0:
		return fmt.Sprintf("partial (%d bad pages)", r.Result.DataErrors)
	case r.Result.NotModified:
		return "not modified"
	default:
		return "ok"
	}
}

func countFailed(reports []*sync.Report) int {
	n := 0

	for _, r := range reports {
		if r.Err != nil {
			n++
		}
	}

	return n
}
