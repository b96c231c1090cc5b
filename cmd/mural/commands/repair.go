package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/dyluth/mural/internal/feed"
	"github.com/dyluth/mural/internal/logging"
	"github.com/dyluth/mural/internal/metrics"
	"github.com/dyluth/mural/internal/printer"
	"github.com/dyluth/mural/internal/reconcile"
	"github.com/spf13/cobra"
)

var repairFetch bool

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Run one manual reconciliation",
	Long: `Scan the target against the cached tiles and repair what is damaged, once.

Manual runs trip the failure breaker after 3 consecutive hard failures
(unless reconcile.failure_threshold is set). A tripped breaker ends this
command; the pause is not waited out.

Use --fetch to download fresh tiles from authority.tiles_url first.`,
	RunE: runRepair,
}

func init() {
	repairCmd.Flags().BoolVar(&repairFetch, "fetch", false, "Poll tiles from authority.tiles_url before scanning")
	rootCmd.AddCommand(repairCmd)
}

func runRepair(cmd *cobra.Command, args []string) error {
	logging.ConfigureRuntime("mural-repair")
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := newComponents(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	if repairFetch {
		poller, err := feed.New(feed.Options{TilesURL: c.cfg.Authority.TilesURL}, c.source.Keys, c.store)
		if err != nil {
			return printer.Error(
				"cannot fetch tiles",
				err.Error(),
				[]string{"Add tiles_url under authority in mural.yml"},
			)
		}
		stored, err := poller.PollOnce(ctx)
		if err != nil {
			printer.Warning("Fetched %d tiles with errors: %v\n", stored, err)
		} else {
			printer.Step("Fetched %d changed tiles\n", stored)
		}
	}

	n, err := c.warm(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tiles: %w", err)
	}
	printer.Step("Loaded %d tiles\n", n)

	loop, err := c.loop(false)
	if err != nil {
		return fmt.Errorf("failed to build reconciliation loop: %w", err)
	}
	defer loop.Stop()

	// Stop on interrupt so the run ends at the next batch boundary.
	go func() {
		<-ctx.Done()
		loop.Stop()
	}()

	report, err := loop.Trigger(ctx)
	if err != nil {
		return err
	}
	return reportOutcome(report)
}

// reportOutcome prints the run result and turns failures into a non-zero exit.
func reportOutcome(report *reconcile.Report) error {
	printer.Outcome(string(report.Outcome), "%s", report)

	switch report.Outcome {
	case reconcile.OutcomeAuthFailure:
		return printer.Error(
			"authentication failed",
			"The paint authority rejected a freshly issued credential.",
			[]string{"Check authority.token or authority.token_command", "Check authority.session_cookie"},
		)
	case reconcile.OutcomePaused, reconcile.OutcomeFailed:
		return fmt.Errorf("run %s", report.Outcome)
	}
	return nil
}
