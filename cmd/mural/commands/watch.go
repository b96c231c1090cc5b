package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/dyluth/mural/internal/printer"
	"github.com/dyluth/mural/internal/watch"
	"github.com/spf13/cobra"
)

var (
	watchOutputFormat string
	watchTiles        bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Monitor runs and tile updates as they happen",
	Long: `Stream finished reconciliation runs (and optionally tile updates) for the
instance in mural.yml as they are recorded in Redis.

Output Formats:
  default - Human-readable output with timestamps and emojis
  json    - Line-delimited JSON for programmatic processing

Examples:
  mural watch
  mural watch --tiles
  mural watch --output=json > runs.jsonl`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	watchCmd.Flags().BoolVar(&watchTiles, "tiles", false, "Include tile updates")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	format := watch.OutputFormat(watchOutputFormat)
	if format != watch.OutputFormatDefault && format != watch.OutputFormatJSON {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.SubscribeRuns(ctx)
	if err != nil {
		return err
	}
	defer runs.Close()

	var tiles watch.TileFeed
	if watchTiles {
		sub, err := store.SubscribeTiles(ctx)
		if err != nil {
			return err
		}
		defer sub.Close()
		tiles = sub
	}

	if format == watch.OutputFormatDefault {
		printer.Info("Watching instance '%s' (Ctrl-C to stop)\n", cfg.Instance)
	}
	return watch.Stream(ctx, tiles, runs, watch.Options{Format: format, Tiles: watchTiles}, cmd.OutOrStdout())
}
