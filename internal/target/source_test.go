package target

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/dyluth/mural/internal/damage"
	"github.com/dyluth/mural/internal/planner"
	"github.com/dyluth/mural/pkg/canvas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
)

func writeImage(t *testing.T, path string) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 237, G: 28, B: 36, A: 255})

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	if filepath.Ext(path) == ".bmp" {
		require.NoError(t, bmp.Encode(f, img))
		return
	}
	require.NoError(t, png.Encode(f, img))
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const sessionV2 = `version: 2
image: target.png
anchor:
  tile_x: 3
  tile_y: 4
  local_x: 999
  local_y: 10
palette:
  - id: 0
    transparent: true
  - id: 5
    hex: "#ffffff"
  - id: 8
    hex: "#ed1c24"
  - id: 20
    hex: "#00ff00"
    locked: true
tunables:
  batch_size: "25"
  skip_white: true
  alpha_threshold: 64
`

func TestFileSourceLoad(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, filepath.Join(dir, "target.png"))
	src := &FileSource{Path: writeFile(t, dir, "session.yml", sessionV2)}

	tgt, err := src.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, tgt.Raster.Width)
	assert.Equal(t, 1, tgt.Raster.Height)
	assert.Equal(t, canvas.RGBA{R: 237, G: 28, B: 36, A: 255}, tgt.Raster.At(0, 0))
	assert.Equal(t, uint8(0), tgt.Raster.At(1, 0).A)
	assert.Equal(t, canvas.Anchor{TileX: 3, TileY: 4, LocalX: 999, LocalY: 10}, tgt.Anchor)

	require.Len(t, tgt.Palette, 3, "locked entry removed")
	for _, e := range tgt.Palette {
		assert.NotEqual(t, 20, e.ID)
	}

	keys, err := src.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []canvas.TileKey{{X: 3, Y: 4}, {X: 4, Y: 4}}, keys)
}

func TestLoadSessionTunables(t *testing.T) {
	dir := t.TempDir()
	s, err := LoadSession(writeFile(t, dir, "session.yml", sessionV2))
	require.NoError(t, err)

	assert.Equal(t, planner.Fixed(25), s.Tunables.Strategy())

	opts := s.Tunables.DetectorOptions(damage.DefaultOptions())
	assert.Equal(t, uint8(64), opts.AlphaThreshold)
	assert.True(t, opts.SkipWhite)
	assert.Equal(t, uint8(damage.DefaultWhiteThreshold), opts.WhiteThreshold)

	assert.False(t, s.Tunables.MatcherOptions().ChromaPenalty)
	assert.True(t, TunablesConfig{}.Strategy().IsAuto())
}

func TestLoadSessionMigratesV1(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, filepath.Join(dir, "target.bmp"))
	path := writeFile(t, dir, "session.yml", `version: 1
image: target.bmp
position: [0, -1, 12, 34]
colors: ["", "#000000", "#ed1c24"]
locked: [1]
batch_size: 40
skip_white: true
`)

	s, err := LoadSession(path)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, s.Version)
	assert.Equal(t, AnchorSpec{TileX: 0, TileY: -1, LocalX: 12, LocalY: 34}, s.Anchor)
	assert.Equal(t, []PaletteSpec{
		{ID: 0, Transparent: true},
		{ID: 1, Hex: "#000000", Locked: true},
		{ID: 2, Hex: "#ed1c24"},
	}, s.Palette)
	assert.Equal(t, "40", s.Tunables.BatchSize)
	assert.True(t, s.Tunables.SkipWhite)

	tgt, err := (&FileSource{Path: path}).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, canvas.RGBA{R: 237, G: 28, B: 36, A: 255}, tgt.Raster.At(0, 0))
	assert.Len(t, tgt.Palette, 2)

	// Saving writes the current format, which loads back identically.
	out := filepath.Join(dir, "migrated.yml")
	require.NoError(t, Save(out, s))
	again, err := LoadSession(out)
	require.NoError(t, err)
	assert.Equal(t, s, again)
}

func TestLoadSessionErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unsupported version", "version: 7\nimage: a.png\n", "unsupported session version: 7"},
		{"missing image", "version: 2\npalette: [{id: 1, hex: '#000000'}]\n", "image is required"},
		{"empty palette", "version: 2\nimage: a.png\n", "palette is empty"},
		{"bad hex", "version: 2\nimage: a.png\npalette: [{id: 1, hex: 'xyz'}]\n", "palette id 1"},
		{"hex and transparent", "version: 2\nimage: a.png\npalette: [{id: 1, hex: '#000000', transparent: true}]\n", "exactly one of hex or transparent"},
		{"duplicate ids", "version: 2\nimage: a.png\npalette: [{id: 1, hex: '#000000'}, {id: 1, hex: '#ffffff'}]\n", "duplicate palette id 1"},
		{"anchor out of tile", "version: 2\nimage: a.png\nanchor: {local_x: 1000}\npalette: [{id: 1, hex: '#000000'}]\n", "anchor local position"},
		{"bad batch size", "version: 2\nimage: a.png\npalette: [{id: 1, hex: '#000000'}]\ntunables: {batch_size: lots}\n", "batch_size"},
		{"bad v1 position", "version: 1\nimage: a.png\nposition: [1, 2]\ncolors: ['#000000']\n", "position must have 4 elements"},
		{"invalid yaml", "version: [\n", "failed to parse YAML"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSession(writeFile(t, t.TempDir(), "session.yml", tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTargetRequiresAvailableColours(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, filepath.Join(dir, "target.png"))
	src := &FileSource{Path: writeFile(t, dir, "session.yml", `version: 2
image: target.png
palette:
  - id: 0
    transparent: true
  - id: 1
    hex: "#000000"
    locked: true
`)}

	_, err := src.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no available colours")
}

func TestLoadImageMissing(t *testing.T) {
	_, err := LoadImage(filepath.Join(t.TempDir(), "nope.png"))
	assert.Error(t, err)
}
