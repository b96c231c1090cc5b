package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/mural/internal/feed"
	"github.com/dyluth/mural/internal/logging"
	"github.com/dyluth/mural/internal/metrics"
	"github.com/dyluth/mural/internal/printer"
	"github.com/dyluth/mural/internal/reconcile"
	"github.com/dyluth/mural/internal/status"
	"github.com/dyluth/mural/pkg/canvas"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the reconciliation daemon",
	Long: `Run the reconciliation daemon in the foreground.

Starts:
  • the tile cache, fed by Redis tile events
  • the tile poller (when feed.enabled is set)
  • the reconciliation loop (on an interval when reconcile.autonomous is set)
  • the status server (/healthz, /status, /metrics, POST /trigger, POST /stop)

Without autonomous mode, runs happen only through POST /trigger.
SIGINT, SIGTERM or POST /stop ends the daemon. A submission already sent is
allowed to finish.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// stoppableLoop ends the daemon when the loop is stopped over HTTP.
type stoppableLoop struct {
	*reconcile.Loop
	cancel context.CancelFunc
}

func (s stoppableLoop) Stop() {
	s.Loop.Stop()
	s.cancel()
}

func runRun(cmd *cobra.Command, args []string) error {
	logging.ConfigureRuntime("mural")
	metrics.Register()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	c, err := newComponents(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	n, err := c.warm(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("initial cache warm failed")
	} else {
		log.Info().Int("tiles", n).Msg("tile cache warmed")
	}

	sub, err := c.store.SubscribeTiles(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to tile events: %w", err)
	}
	defer sub.Close()

	go func() {
		err := c.cache.Consume(ctx, sub, func(canvas.TileKey) {
			metrics.RecordTileUpdate(c.cache.Len())
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("tile consumer stopped")
		}
	}()

	if c.cfg.Feed.Enabled {
		poller, err := feed.New(feed.Options{
			TilesURL: c.cfg.Authority.TilesURL,
			Interval: c.cfg.Feed.PollInterval,
			Clock:    c.clock,
		}, c.source.Keys, c.store)
		if err != nil {
			return err
		}
		go func() {
			if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("tile poller stopped")
			}
		}()
	}

	autonomous := c.cfg.Reconcile.Autonomous
	loop, err := c.loop(autonomous)
	if err != nil {
		return fmt.Errorf("failed to build reconciliation loop: %w", err)
	}

	srv := status.New(stoppableLoop{Loop: loop, cancel: cancel}, c.store, c.cache.Len)
	if err := srv.Start(c.cfg.Status.Addr); err != nil {
		return printer.Error(
			"failed to start status server",
			err.Error(),
			[]string{"Change status.addr in mural.yml"},
		)
	}

	printer.Success("Mural running for instance '%s' (status on %s)\n", c.cfg.Instance, c.cfg.Status.Addr)

	errCh := make(chan error, 1)
	if autonomous {
		go func() { errCh <- loop.Run(ctx) }()
	}

	select {
	case <-ctx.Done():
		printer.Info("Shutting down...\n")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("reconciliation loop exited")
		}
	}

	loop.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "status server shutdown: %v\n", err)
	}

	return nil
}
