package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chuanqiongzhr/eve-service/internal/credential"
	"github.com/chuanqiongzhr/eve-service/internal/principal"
	"github.com/chuanqiongzhr/eve-service/internal/store"
)

// Token state constants for status reporting.
const (
	tokenStateMissing = "missing"
	tokenStateExpired = "expired"
	tokenStateValid   = "valid"
)

// runStateNever marks a configured pair with no sync history.
const runStateNever = "never synced"

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show credential state and the last sync of every resource",
		Long: `Display every known principal with its token state, and the most recent
sync run of each principal and resource pair.

Principals come from [sync] principals and from stored credentials.`,
		RunE: runStatus,
	}
}

// statusPrincipal is one principal's entry in `status --json`.
type statusPrincipal struct {
	Principal  string         `json:"principal"`
	Name       string         `json:"name,omitempty"`
	TokenState string         `json:"token_state"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Resources  []statusRecord `json:"resources"`
}

// statusRecord is the last run of one resource.
type statusRecord struct {
	Resource    string     `json:"resource"`
	State       string     `json:"state"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	Pages       int        `json:"pages"`
	NewRecords  int        `json:"new_records"`
	DataErrors  int        `json:"data_errors"`
	NotModified bool       `json:"not_modified"`
	Error       string     `json:"error,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	svc, err := openServices(ctx, cc.Cfg, cc.Env, cc.Logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	principals, err := buildStatus(ctx, svc, time.Now())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if cc.Flags.JSON {
		return writeJSON(out, principals)
	}

	if len(principals) == 0 {
		fmt.Fprintln(out, "No principals configured. Run 'eve-service login' to get started.")

		return nil
	}

	printStatusText(out, principals)

	return nil
}

// buildStatus merges configured and stored principals with run history.
func buildStatus(ctx context.Context, svc *services, now time.Time) ([]statusPrincipal, error) {
	stored, err := svc.creds.Store().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}

	runs, err := svc.store.LatestRuns(ctx)
	if err != nil {
		return nil, err
	}

	byPrincipal := make(map[principal.ID][]store.Run)
	for _, r := range runs {
		byPrincipal[r.Principal] = append(byPrincipal[r.Principal], r)
	}

	ids := mergePrincipals(svc.cfg.Principals(), stored)
	for id := range byPrincipal {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}

	slices.SortFunc(ids, func(a, b principal.ID) int {
		return strings.Compare(a.String(), b.String())
	})

	out := make([]statusPrincipal, 0, len(ids))

	for _, id := range ids {
		sp := statusPrincipal{Principal: id.String(), TokenState: tokenStateMissing}

		cred, err := svc.creds.Store().Load(ctx, id)
		if err == nil {
			sp.Name = cred.DisplayName
			sp.TokenState = tokenState(cred, now)
			expires := cred.ExpiresAt
			sp.ExpiresAt = &expires
		}

		sp.Resources = statusRecords(byPrincipal[id])
		out = append(out, sp)
	}

	return out, nil
}

func mergePrincipals(configured, stored []principal.ID) []principal.ID {
	out := slices.Clone(configured)

	for _, id := range stored {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}

	return out
}

func statusRecords(runs []store.Run) []statusRecord {
	out := make([]statusRecord, 0, len(runs))

	for _, r := range runs {
		finished := r.FinishedAt
		out = append(out, statusRecord{
			Resource:    r.Resource,
			State:       runState(&r),
			LastRun:     &finished,
			Pages:       r.Pages,
			NewRecords:  r.NewRecords,
			DataErrors:  r.DataErrors,
			NotModified: r.NotModified,
			Error:       r.Error,
		})
	}

	return out
}

func runState(r *store.Run) string {
	switch {
	case r.Error != "":
		return "failed"
	case r.DataErrors > 0:
		return "partial"
	case r.NotModified:
		return "not modified"
	default:
		return "ok"
	}
}

// tokenState classifies a stored credential for display. An expired
// access token is renewed by the next sync as long as the refresh token is
// still accepted.
func tokenState(c *credential.Credential, now time.Time) string {
	switch {
	case c.AccessToken == "" || c.RefreshToken == "":
		return tokenStateMissing
	case c.ValidAt(now):
		return tokenStateValid
	default:
		return tokenStateExpired
	}
}

func printStatusText(w io.Writer, principals []statusPrincipal) {
	for i, sp := range principals {
		if i > 0 {
			fmt.Fprintln(w)
		}

		name := ""
		if sp.Name != "" {
			name = " (" + sp.Name + ")"
		}

		fmt.Fprintf(w, "%s%s\n", sp.Principal, name)
		fmt.Fprintf(w, "  Token: %s\n", sp.TokenState)

		if len(sp.Resources) == 0 {
			fmt.Fprintf(w, "  %s\n", runStateNever)

			continue
		}

		rows := make([][]string, 0, len(sp.Resources))
		for _, r := range sp.Resources {
			last := ""
			if r.LastRun != nil {
				last = formatTime(*r.LastRun)
			}

			rows = append(rows, []string{
				"  " + r.Resource, r.State, last,
				strconv.Itoa(r.Pages), strconv.Itoa(r.NewRecords),
			})
		}

		printTable(w, []string{"  RESOURCE", "STATE", "LAST RUN", "PAGES", "NEW"}, rows)
	}
}
