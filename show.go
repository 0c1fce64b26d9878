package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/chuanqiongzhr/eve-service/internal/principal"
	"github.com/chuanqiongzhr/eve-service/internal/resource"
	"github.com/chuanqiongzhr/eve-service/internal/store"
)

// payloadPreviewLen caps the payload column in text output.
const payloadPreviewLen = 60

func newShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <resource>",
		Short: "Print persisted records of a resource",
		Long: `Print records stored by earlier syncs, highest sort key first. Reads the
local database only; nothing is fetched.`,
		Args: cobra.ExactArgs(1),
		RunE: runShow,
	}

	cmd.Flags().String("principal", "", "principal whose records to show (required)")
	cmd.Flags().String("status", "", "only records with this status (missions)")
	cmd.Flags().Int64("since", 0, "only records whose sort key is at least this value")
	cmd.Flags().Int("limit", 0, "maximum number of records (0 = all)")

	_ = cmd.MarkFlagRequired("principal")

	return cmd
}

// showRecord is the JSON schema for one record in `show --json`.
type showRecord struct {
	Key       string          `json:"key"`
	SortKey   *int64          `json:"sort_key,omitempty"`
	Status    string          `json:"status,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
	Payload   json.RawMessage `json:"payload"`
}

func runShow(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	kind := args[0]

	if _, err := resource.Lookup(kind); err != nil {
		return err
	}

	rawID, _ := cmd.Flags().GetString("principal")

	id, err := principal.Parse(rawID)
	if err != nil {
		return err
	}

	filter, err := showFilter(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	svc, err := openServices(ctx, cc.Cfg, cc.Env, cc.Logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	records, err := svc.engine.ReadPersistedResource(ctx, id, kind, filter)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if cc.Flags.JSON {
		return writeJSON(out, showRecords(records))
	}

	if len(records) == 0 {
		fmt.Fprintf(out, "No %s records for %s. Run 'eve-service sync' first.\n", kind, id)

		return nil
	}

	printRecords(out, records)

	return nil
}

func showFilter(cmd *cobra.Command) (store.Filter, error) {
	var f store.Filter

	f.Status, _ = cmd.Flags().GetString("status")
	f.Limit, _ = cmd.Flags().GetInt("limit")

	if f.Limit < 0 {
		return f, errors.New("--limit must not be negative")
	}

	if cmd.Flags().Changed("since") {
		since, _ := cmd.Flags().GetInt64("since")
		f.MinSortKey = &since
	}

	return f, nil
}

func showRecords(records []store.Record) []showRecord {
	out := make([]showRecord, 0, len(records))

	for _, r := range records {
		sr := showRecord{
			Key:       r.Key,
			Status:    r.Status,
			UpdatedAt: r.UpdatedAt,
			Payload:   r.Payload,
		}

		if r.HasSortKey {
			sk := r.SortKey
			sr.SortKey = &sk
		}

		out = append(out, sr)
	}

	return out
}

func printRecords(w io.Writer, records []store.Record) {
	rows := make([][]string, 0, len(records))

	for _, r := range records {
		sortKey := ""
		if r.HasSortKey {
			sortKey = strconv.FormatInt(r.SortKey, 10)
		}

		rows = append(rows, []string{r.Key, sortKey, r.Status, truncate(string(r.Payload), payloadPreviewLen)})
	}

	printTable(w, []string{"KEY", "SORT", "STATUS", "PAYLOAD"}, rows)
}
