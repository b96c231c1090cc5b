package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/dyluth/mural/internal/damage"
	"github.com/dyluth/mural/internal/logging"
	"github.com/dyluth/mural/internal/printer"
	"github.com/dyluth/mural/pkg/canvas"
	"github.com/spf13/cobra"
)

var (
	scanOutput string
	scanLimit  int
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Report damage without repairing it",
	Long: `Load the cached tiles from Redis, compare them with the target image and
report every pixel that needs repainting.

Output Formats:
  default - Summary by damage kind and a table of the first --limit pixels
  json    - The full report as a single JSON document`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVarP(&scanOutput, "output", "o", "default", "Output format: default or json")
	scanCmd.Flags().IntVarP(&scanLimit, "limit", "l", 20, "Maximum damaged pixels listed in default output (0 = all)")
	rootCmd.AddCommand(scanCmd)
}

// scanReport is the JSON form of a scan.
type scanReport struct {
	Scanned  int                       `json:"scanned"`
	Complete bool                      `json:"complete"`
	Cached   int                       `json:"tiles_cached"`
	ByKind   map[canvas.DamageKind]int `json:"by_kind"`
	Damaged  []canvas.DamagedPixel     `json:"damaged"`
}

func newScanReport(res damage.Result, cached int) scanReport {
	r := scanReport{
		Scanned:  res.Scanned,
		Complete: res.Complete,
		Cached:   cached,
		ByKind:   make(map[canvas.DamageKind]int),
		Damaged:  res.Damaged,
	}
	if r.Damaged == nil {
		r.Damaged = []canvas.DamagedPixel{}
	}
	for _, d := range res.Damaged {
		r.ByKind[d.Kind]++
	}
	return r
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanOutput != "default" && scanOutput != "json" {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", scanOutput),
			[]string{"Valid formats: default, json"},
		)
	}
	logging.ConfigureRuntime("mural-scan")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := newComponents(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	if _, err := c.warm(ctx); err != nil {
		return fmt.Errorf("failed to load tiles: %w", err)
	}

	t, err := c.source.Load(ctx)
	if err != nil {
		return err
	}

	res := c.detector().Scan(ctx, t.Raster, t.Anchor, c.cache, t.Palette.Available())
	report := newScanReport(res, c.cache.Len())

	if scanOutput == "json" {
		return writeScanJSON(cmd.OutOrStdout(), report)
	}
	printScan(report, scanLimit)
	return nil
}

func writeScanJSON(w io.Writer, r scanReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func printScan(r scanReport, limit int) {
	if !r.Complete {
		printer.Warning("Scan interrupted after %d pixels\n", r.Scanned)
	}
	if r.Cached == 0 {
		printer.Warning("No tiles cached; run 'mural feed --once' first\n")
	}

	if len(r.Damaged) == 0 {
		printer.Success("No damage in %d pixels\n", r.Scanned)
		return
	}

	printer.Info("%d of %d pixels need repair (missing %d, mismatched %d, unexpected %d)\n\n",
		len(r.Damaged), r.Scanned,
		r.ByKind[canvas.DamageMissingPaint],
		r.ByKind[canvas.DamageColorMismatch],
		r.ByKind[canvas.DamageUnexpectedPaint])

	shown := r.Damaged
	if limit > 0 && len(shown) > limit {
		shown = shown[:limit]
	}

	rows := make([][]string, 0, len(shown))
	for _, d := range shown {
		observed := strconv.Itoa(d.Observed)
		if d.Observed == canvas.ColorUnknown {
			observed = "?"
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d,%d", d.ImageX, d.ImageY),
			d.Tile().String(),
			fmt.Sprintf("%d,%d", d.PixelX, d.PixelY),
			string(d.Kind),
			strconv.Itoa(d.Expected),
			observed,
		})
	}
	printer.Table([]string{"IMAGE", "TILE", "PIXEL", "KIND", "EXPECTED", "OBSERVED"}, rows)

	if len(shown) < len(r.Damaged) {
		printer.Info("... and %d more\n", len(r.Damaged)-len(shown))
	}
}
