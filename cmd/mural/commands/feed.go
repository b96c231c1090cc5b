package commands

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/dyluth/mural/internal/feed"
	"github.com/dyluth/mural/internal/logging"
	"github.com/dyluth/mural/internal/printer"
	"github.com/spf13/cobra"
)

var feedOnce bool

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Poll canvas tiles into Redis",
	Long: `Poll the tiles covered by the target image and store changed tiles in Redis.

Each stored tile is announced on the instance's tile events channel, so a
running 'mural run' picks it up without polling itself.

Requires authority.tiles_url in mural.yml.`,
	RunE: runFeed,
}

func init() {
	feedCmd.Flags().BoolVar(&feedOnce, "once", false, "Poll every tile once and exit")
	rootCmd.AddCommand(feedCmd)
}

func runFeed(cmd *cobra.Command, args []string) error {
	logging.ConfigureRuntime("mural-feed")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := newComponents(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	if c.cfg.Authority.TilesURL == "" {
		return printer.Error(
			"no tiles URL configured",
			"The tile poller needs authority.tiles_url.",
			[]string{"Add tiles_url under authority in mural.yml"},
		)
	}

	poller, err := feed.New(feed.Options{
		TilesURL: c.cfg.Authority.TilesURL,
		Interval: c.cfg.Feed.PollInterval,
		Clock:    c.clock,
	}, c.source.Keys, c.store)
	if err != nil {
		return err
	}

	if feedOnce {
		stored, err := poller.PollOnce(ctx)
		if err != nil {
			printer.Warning("Stored %d tiles with errors: %v\n", stored, err)
			return err
		}
		printer.Success("Stored %d changed tiles\n", stored)
		return nil
	}

	if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
