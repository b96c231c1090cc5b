package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dyluth/mural/internal/history"
	"github.com/dyluth/mural/internal/printer"
	"github.com/dyluth/mural/internal/timespec"
	"github.com/dyluth/mural/pkg/canvas"
	"github.com/spf13/cobra"
)

var (
	historyLimit   int
	historyOutput  string
	historySince   string
	historyUntil   string
	historyOutcome string
	historyTrigger string
)

var historyCmd = &cobra.Command{
	Use:   "history [RUN_ID]",
	Short: "Show cumulative totals and recent runs",
	Long: `Show run history recorded in Redis.

List Mode (no RUN_ID):
  Prints cumulative totals and recent runs, newest first.

Get Mode (with RUN_ID):
  Prints one run as pretty JSON. Short IDs of 6+ characters are accepted.

Output Formats (list mode only):
  default - Totals and a table of runs
  jsonl   - One run per line

Filters (list mode only):
  --since, --until - duration ("2h") or RFC3339 timestamp
  --outcome        - glob on the outcome ("paus*", "repaired")
  --trigger        - manual, interval or retry

Examples:
  mural history --since=24h --outcome=paused
  mural history --output=jsonl | jq 'select(.repaired > 0)'
  mural history 3f2a9c`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 10, "Number of recent runs to show (max 100)")
	historyCmd.Flags().StringVarP(&historyOutput, "output", "o", "default", "Output format: default or jsonl")
	historyCmd.Flags().StringVar(&historySince, "since", "", "Show runs started after time (duration or RFC3339)")
	historyCmd.Flags().StringVar(&historyUntil, "until", "", "Show runs started before time (duration or RFC3339)")
	historyCmd.Flags().StringVar(&historyOutcome, "outcome", "", "Filter by outcome (glob pattern)")
	historyCmd.Flags().StringVar(&historyTrigger, "trigger", "", "Filter by trigger (exact match)")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if historyOutput != "default" && historyOutput != "jsonl" {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", historyOutput),
			[]string{"Valid formats: default, jsonl"},
		)
	}

	since, until, err := timespec.ParseRange(historySince, historyUntil, time.Now())
	if err != nil {
		return printer.Error("invalid time filter", err.Error(), nil)
	}
	criteria := &history.Criteria{Since: since, Until: until, OutcomeGlob: historyOutcome, Trigger: historyTrigger}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) == 1 {
		all, err := store.RecentRuns(ctx, 0)
		if err != nil {
			return err
		}
		return showRun(cmd.OutOrStdout(), all, args[0])
	}

	// Filters apply to the whole retained list, then the limit.
	limit := historyLimit
	if criteria.HasFilters() {
		limit = 0
	}
	runs, err := store.RecentRuns(ctx, limit)
	if err != nil {
		return err
	}
	runs = criteria.Filter(runs)
	if historyLimit > 0 && len(runs) > historyLimit {
		runs = runs[:historyLimit]
	}

	if historyOutput == "jsonl" {
		return writeRunsJSONL(cmd.OutOrStdout(), runs)
	}

	totals, err := store.GetTotals(ctx)
	if err != nil {
		return err
	}
	printHistory(cfg.Instance, totals, runs)
	return nil
}

func showRun(w io.Writer, runs []*canvas.RunSummary, id string) error {
	run, err := history.Resolve(runs, id)
	if err != nil {
		var amb *history.AmbiguousError
		if errors.As(err, &amb) {
			return printer.Error("ambiguous run ID", history.FormatAmbiguous(amb), []string{"Use a longer prefix"})
		}
		var nf *history.NotFoundError
		if errors.As(err, &nf) {
			return printer.Error(
				fmt.Sprintf("run %s not found", id),
				"Only the most recent 100 runs are kept.",
				[]string{"List recent runs:\n  mural history"},
			)
		}
		return printer.Error("invalid run ID", err.Error(), nil)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(run)
}

func writeRunsJSONL(w io.Writer, runs []*canvas.RunSummary) error {
	enc := json.NewEncoder(w)
	for _, r := range runs {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func printHistory(instance string, totals canvas.Totals, runs []*canvas.RunSummary) {
	printer.Info("Instance '%s': %d runs, %d pixels scanned, %d damaged, %d repaired\n\n",
		instance, totals.Runs, totals.Scanned, totals.Damaged, totals.Repaired)

	if len(runs) == 0 {
		printer.Info("No matching runs.\n")
		return
	}

	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		rows = append(rows, []string{
			id,
			time.UnixMilli(r.StartedAtMs).Format(time.RFC3339),
			r.Trigger,
			r.Outcome,
			strconv.Itoa(r.Damaged),
			strconv.Itoa(r.Repaired),
			strconv.Itoa(r.Batches),
			r.Error,
		})
	}
	printer.Table([]string{"ID", "STARTED", "TRIGGER", "OUTCOME", "DAMAGED", "REPAIRED", "BATCHES", "ERROR"}, rows)
}
