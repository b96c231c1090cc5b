package commands

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"github.com/dyluth/mural/internal/config"
	"github.com/dyluth/mural/internal/printer"
	"github.com/dyluth/mural/internal/target"
	"github.com/spf13/cobra"
)

var (
	forceInit bool
	initDir   string
)

const (
	exampleImage   = "target.png"
	exampleSession = config.DefaultSessionPath
	exampleConfig  = "mural.yml"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write an example configuration",
	Long: `Write an example configuration into the target directory.

Creates:
  • mural.yml   - instance, Redis, authority and loop settings
  • session.yml - anchor, palette and tunables for the image
  • target.png  - a 16x16 placeholder image to replace with your own

Use --force to overwrite existing files.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite existing files")
	initCmd.Flags().StringVarP(&initDir, "dir", "d", ".", "Directory to write into")
	rootCmd.AddCommand(initCmd)
}

const exampleConfigYAML = `version: "1.0"
instance: default
redis_url: redis://localhost:6379/0
session: session.yml

authority:
  base_url: https://backend.example.com
  tiles_url: https://backend.example.com/files/s0/tiles
  # Exactly one of token or token_command.
  token_command: ["./get-token.sh"]
  # session_cookie: ""
  credential_ttl: 2m
  timeout: 15s

reconcile:
  autonomous: true
  interval: 30s
  # failure_threshold: 0     # 0 = 3 manual, 5 autonomous
  # hard_failure_backoff: 0  # 0 = 60s manual, 120s autonomous
  unexpected_backoff: 120s
  unknown_as_damage: false

feed:
  enabled: true
  poll_interval: 30s

status:
  addr: ":8080"
`

func exampleSessionSpec() *target.Session {
	return &target.Session{
		Version: target.CurrentVersion,
		Image:   exampleImage,
		Anchor:  target.AnchorSpec{TileX: 0, TileY: 0, LocalX: 0, LocalY: 0},
		Palette: []target.PaletteSpec{
			{ID: 0, Transparent: true},
			{ID: 1, Hex: "#000000"},
			{ID: 2, Hex: "#3c3c3c"},
			{ID: 3, Hex: "#787878"},
			{ID: 4, Hex: "#d2d2d2"},
			{ID: 5, Hex: "#ffffff"},
			{ID: 6, Hex: "#600018"},
			{ID: 7, Hex: "#ed1c24"},
			{ID: 8, Hex: "#ff7f27"},
			{ID: 9, Hex: "#f6aa09"},
			{ID: 10, Hex: "#f9dd3b"},
			{ID: 11, Hex: "#0eb968"},
			{ID: 12, Hex: "#28509e"},
			{ID: 13, Hex: "#4093e4"},
		},
		Tunables: target.TunablesConfig{BatchSize: "auto"},
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	paths := []string{
		filepath.Join(initDir, exampleConfig),
		filepath.Join(initDir, exampleSession),
		filepath.Join(initDir, exampleImage),
	}

	if !forceInit {
		for _, p := range paths {
			if _, err := os.Stat(p); err == nil {
				return printer.Error(
					fmt.Sprintf("%s already exists", p),
					"Refusing to overwrite an existing configuration.",
					[]string{"Reinitialize (overwrites files):\n  mural init --force"},
				)
			}
		}
	}

	if err := os.MkdirAll(initDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", initDir, err)
	}
	if err := os.WriteFile(paths[0], []byte(exampleConfigYAML), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", paths[0], err)
	}
	if err := target.Save(paths[1], exampleSessionSpec()); err != nil {
		return err
	}
	if err := writePlaceholder(paths[2]); err != nil {
		return err
	}

	printer.Success("Initialized mural in %s\n", initDir)
	for _, p := range paths {
		printer.Info("  %s\n", p)
	}
	printer.Info("\nNext steps:\n")
	printer.Info("  1. Set authority.base_url and a token source in mural.yml\n")
	printer.Info("  2. Replace target.png and set the anchor in session.yml\n")
	printer.Info("  3. mural run\n")
	return nil
}

// writePlaceholder writes a 16x16 checkerboard of black and white.
func writePlaceholder(path string) error {
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			c := color.NRGBA{A: 255}
			if (x/4+y/4)%2 == 0 {
				c = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}
