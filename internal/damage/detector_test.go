package damage

import (
	"context"
	"testing"

	"github.com/dyluth/mural/internal/colormatch"
	"github.com/dyluth/mural/internal/tilecache"
	"github.com/dyluth/mural/pkg/canvas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	red   = canvas.RGBA{R: 237, G: 28, B: 36, A: 255}
	blue  = canvas.RGBA{R: 40, G: 80, B: 158, A: 255}
	white = canvas.RGBA{R: 255, G: 255, B: 255, A: 255}
	blank = canvas.RGBA{}
)

func testPalette() canvas.Palette {
	return canvas.Palette{
		{ID: 0},
		{ID: 5, RGB: &canvas.RGB{R: 255, G: 255, B: 255}},
		{ID: 8, RGB: &canvas.RGB{R: 237, G: 28, B: 36}},
		{ID: 13, RGB: &canvas.RGB{R: 40, G: 80, B: 158}},
	}
}

func raster(w, h int, pixels ...canvas.RGBA) *canvas.TargetRaster {
	r := &canvas.TargetRaster{Width: w, Height: h, Pix: make([]uint8, 0, w*h*4)}
	for _, p := range pixels {
		r.Pix = append(r.Pix, p.R, p.G, p.B, p.A)
	}
	return r
}

// liveCache builds a tile cache whose tile (0,0) holds the given row of pixels.
func liveCache(row ...canvas.RGBA) *tilecache.Cache {
	snap := canvas.NewTileSnapshot()
	for x, p := range row {
		snap.Set(x, 0, p)
	}
	c := tilecache.New()
	c.Put(canvas.TileKey{}, snap)
	return c
}

func newDetector(opts Options) *Detector {
	return New(colormatch.New(colormatch.Options{}), opts)
}

func TestScanClassifies(t *testing.T) {
	target := raster(4, 1, red, blank, blue, red)
	live := liveCache(blank, white, red, red)

	res := newDetector(DefaultOptions()).Scan(context.Background(), target, canvas.Anchor{}, live, testPalette())
	require.True(t, res.Complete)
	assert.Equal(t, 4, res.Scanned)
	require.Len(t, res.Damaged, 3)

	assert.Equal(t, canvas.DamagedPixel{ImageX: 0, Expected: 8, Observed: 0, Kind: canvas.DamageMissingPaint}, res.Damaged[0])
	assert.Equal(t, canvas.DamagedPixel{ImageX: 1, PixelX: 1, Expected: 0, Observed: 5, Kind: canvas.DamageUnexpectedPaint}, res.Damaged[1])
	assert.Equal(t, canvas.DamagedPixel{ImageX: 2, PixelX: 2, Expected: 13, Observed: 8, Kind: canvas.DamageColorMismatch}, res.Damaged[2])
}

func TestScanIsIdempotentOnMatchingRegion(t *testing.T) {
	target := raster(3, 1, red, blue, blank)
	live := liveCache(red, blue, blank)
	d := newDetector(DefaultOptions())

	first := d.Scan(context.Background(), target, canvas.Anchor{}, live, testPalette())
	second := d.Scan(context.Background(), target, canvas.Anchor{}, live, testPalette())

	assert.Empty(t, first.Damaged)
	assert.Empty(t, second.Damaged)
}

func TestScanTreatsNearColoursAsSamePaletteEntry(t *testing.T) {
	// Live pixel is slightly off but quantizes to the same palette colour.
	target := raster(1, 1, red)
	live := liveCache(canvas.RGBA{R: 230, G: 30, B: 40, A: 255})

	res := newDetector(DefaultOptions()).Scan(context.Background(), target, canvas.Anchor{}, live, testPalette())
	assert.Empty(t, res.Damaged)
}

func TestScanAlphaThreshold(t *testing.T) {
	faint := canvas.RGBA{R: 237, G: 28, B: 36, A: 100}
	target := raster(1, 1, red)
	live := liveCache(faint)

	res := newDetector(DefaultOptions()).Scan(context.Background(), target, canvas.Anchor{}, live, testPalette())
	require.Len(t, res.Damaged, 1)
	assert.Equal(t, canvas.DamageMissingPaint, res.Damaged[0].Kind, "live alpha below threshold counts as blank")

	opts := DefaultOptions()
	opts.AlphaThreshold = 50
	res = newDetector(opts).Scan(context.Background(), target, canvas.Anchor{}, live, testPalette())
	assert.Empty(t, res.Damaged)
}

func TestScanSkipWhite(t *testing.T) {
	target := raster(2, 1, white, red)
	live := liveCache(blank, blank)

	opts := DefaultOptions()
	opts.SkipWhite = true
	res := newDetector(opts).Scan(context.Background(), target, canvas.Anchor{}, live, testPalette())

	require.Len(t, res.Damaged, 1)
	assert.Equal(t, 1, res.Damaged[0].ImageX)
	assert.Equal(t, 1, res.Scanned)
}

func TestScanSkipWhiteUsesLuma(t *testing.T) {
	cream := canvas.RGBA{R: 255, G: 255, B: 200, A: 255}
	yellow := canvas.RGBA{R: 255, G: 255, B: 0, A: 255}
	target := raster(2, 1, cream, yellow)
	live := liveCache(blank, blank)

	opts := DefaultOptions()
	opts.SkipWhite = true
	res := newDetector(opts).Scan(context.Background(), target, canvas.Anchor{}, live, testPalette())

	require.Len(t, res.Damaged, 1, "cream has luma 248 and is skipped, yellow has luma 225 and is not")
	assert.Equal(t, 1, res.Damaged[0].ImageX)
	assert.Equal(t, 1, res.Scanned)
}

func TestScanIgnoreBlank(t *testing.T) {
	target := raster(1, 1, blank)
	live := liveCache(red)

	opts := DefaultOptions()
	opts.IgnoreBlank = true
	res := newDetector(opts).Scan(context.Background(), target, canvas.Anchor{}, live, testPalette())
	assert.Empty(t, res.Damaged)
}

func TestScanUnknownPolicy(t *testing.T) {
	target := raster(2, 1, red, blank)
	empty := tilecache.New()

	res := newDetector(DefaultOptions()).Scan(context.Background(), target, canvas.Anchor{}, empty, testPalette())
	assert.Empty(t, res.Damaged, "uncached pixels are skipped by default")

	opts := DefaultOptions()
	opts.UnknownAsDamage = true
	res = newDetector(opts).Scan(context.Background(), target, canvas.Anchor{}, empty, testPalette())
	require.Len(t, res.Damaged, 1)
	assert.Equal(t, canvas.DamageMissingPaint, res.Damaged[0].Kind)
	assert.Equal(t, canvas.ColorUnknown, res.Damaged[0].Observed)
}

func TestScanResolvesWorldCoordinatesAcrossTiles(t *testing.T) {
	target := raster(2, 1, red, red)
	anchor := canvas.Anchor{TileX: 3, TileY: 4, LocalX: 999, LocalY: 7}

	c := tilecache.New()
	c.Put(canvas.TileKey{X: 3, Y: 4}, canvas.NewTileSnapshot())
	c.Put(canvas.TileKey{X: 4, Y: 4}, canvas.NewTileSnapshot())

	res := newDetector(DefaultOptions()).Scan(context.Background(), target, anchor, c, testPalette())
	require.Len(t, res.Damaged, 2)

	assert.Equal(t, canvas.TileKey{X: 3, Y: 4}, res.Damaged[0].Tile())
	assert.Equal(t, 999, res.Damaged[0].PixelX)
	assert.Equal(t, 7, res.Damaged[0].PixelY)

	assert.Equal(t, canvas.TileKey{X: 4, Y: 4}, res.Damaged[1].Tile())
	assert.Equal(t, 0, res.Damaged[1].PixelX)
}

func TestScanNoTransparentEntryOmitsUnexpectedPaint(t *testing.T) {
	palette := testPalette()[1:]
	target := raster(1, 1, blank)
	live := liveCache(red)

	res := newDetector(DefaultOptions()).Scan(context.Background(), target, canvas.Anchor{}, live, palette)
	assert.Empty(t, res.Damaged)
}

func TestScanReportsProgress(t *testing.T) {
	pixels := make([]canvas.RGBA, 0, 5*120)
	for i := 0; i < 5*120; i++ {
		pixels = append(pixels, red)
	}
	target := raster(5, 120, pixels...)

	opts := DefaultOptions()
	opts.ProgressRows = 50
	d := newDetector(opts)

	var got []Progress
	d.OnProgress = func(p Progress) { got = append(got, p) }
	d.Scan(context.Background(), target, canvas.Anchor{}, tilecache.New(), testPalette())

	require.Len(t, got, 3)
	assert.Equal(t, 50, got[0].RowsDone)
	assert.Equal(t, 100, got[1].RowsDone)
	assert.Equal(t, Progress{RowsDone: 120, Rows: 120, Damaged: 0}, got[2])
}

func TestScanStopsBetweenRows(t *testing.T) {
	target := raster(1, 3, red, red, red)
	live := liveCache(blank)
	ctx, cancel := context.WithCancel(context.Background())

	opts := DefaultOptions()
	opts.ProgressRows = 1
	d := newDetector(opts)
	d.OnProgress = func(p Progress) {
		if p.RowsDone == 1 {
			cancel()
		}
	}

	res := d.Scan(ctx, target, canvas.Anchor{}, live, testPalette())
	assert.False(t, res.Complete)
	assert.Len(t, res.Damaged, 1, "only the first row was scanned")
}
