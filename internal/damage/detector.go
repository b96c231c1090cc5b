// Package damage diffs a target raster against cached live tile state.
package damage

import (
	"context"

	"github.com/dyluth/mural/internal/colormatch"
	"github.com/dyluth/mural/pkg/canvas"
)

const (
	DefaultAlphaThreshold = 128
	DefaultWhiteThreshold = 230
	DefaultProgressRows   = 50
)

// Options control which pixels are considered and how unknown state is
// treated.
type Options struct {
	// AlphaThreshold: pixels with alpha below it are blank, on both sides.
	AlphaThreshold uint8

	// SkipWhite ignores target pixels whose Rec.601 luma is at or above
	// WhiteThreshold.
	SkipWhite      bool
	WhiteThreshold uint8

	// IgnoreBlank never reports paint where the target is blank.
	IgnoreBlank bool

	// UnknownAsDamage reports uncached target pixels as missing paint.
	// The default skips them; callers should warm the cache first.
	UnknownAsDamage bool

	// ProgressRows is the row interval between progress callbacks.
	ProgressRows int
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		AlphaThreshold: DefaultAlphaThreshold,
		WhiteThreshold: DefaultWhiteThreshold,
		ProgressRows:   DefaultProgressRows,
	}
}

func (o Options) withDefaults() Options {
	if o.AlphaThreshold == 0 {
		o.AlphaThreshold = DefaultAlphaThreshold
	}
	if o.WhiteThreshold == 0 {
		o.WhiteThreshold = DefaultWhiteThreshold
	}
	if o.ProgressRows <= 0 {
		o.ProgressRows = DefaultProgressRows
	}
	return o
}

// PixelSource answers world-coordinate pixel queries. ok is false for
// uncached pixels. Implemented by tilecache.Cache.
type PixelSource interface {
	Lookup(worldX, worldY int) (canvas.RGBA, bool)
}

// Progress is reported every Options.ProgressRows rows and once at the end.
type Progress struct {
	RowsDone int
	Rows     int
	Damaged  int
}

// Result is the outcome of a scan. Complete is false when the scan was
// stopped before the last row.
type Result struct {
	Damaged  []canvas.DamagedPixel
	Scanned  int
	Complete bool
}

// Detector finds discrepancies between a target and the live canvas.
type Detector struct {
	matcher *colormatch.Matcher
	opts    Options

	// OnProgress, if set, receives coarse progress updates. It runs on the
	// scanning goroutine and must not block.
	OnProgress func(Progress)
}

// New creates a detector.
func New(matcher *colormatch.Matcher, opts Options) *Detector {
	return &Detector{matcher: matcher, opts: opts.withDefaults()}
}

// Scan walks the target row by row. The context is checked between rows;
// a cancelled scan returns what it found so far. Scan never fails: pixels
// it cannot classify (uncached, or no palette match) are omitted.
func (d *Detector) Scan(ctx context.Context, target *canvas.TargetRaster, anchor canvas.Anchor, live PixelSource, palette canvas.Palette) Result {
	res := Result{Complete: true}
	transparent, hasTransparent := palette.Transparent()

	for y := 0; y < target.Height; y++ {
		if ctx.Err() != nil {
			res.Complete = false
			return res
		}

		for x := 0; x < target.Width; x++ {
			if px, ok := d.checkPixel(target, anchor, live, palette, transparent, hasTransparent, x, y, &res); ok {
				res.Damaged = append(res.Damaged, px)
			}
		}

		if d.OnProgress != nil && ((y+1)%d.opts.ProgressRows == 0 || y+1 == target.Height) {
			d.OnProgress(Progress{RowsDone: y + 1, Rows: target.Height, Damaged: len(res.Damaged)})
		}
	}

	return res
}

func (d *Detector) checkPixel(target *canvas.TargetRaster, anchor canvas.Anchor, live PixelSource, palette canvas.Palette,
	transparent canvas.PaletteEntry, hasTransparent bool, x, y int, res *Result) (canvas.DamagedPixel, bool) {

	want := target.At(x, y)
	wantBlank := want.A < d.opts.AlphaThreshold

	if wantBlank && d.opts.IgnoreBlank {
		return canvas.DamagedPixel{}, false
	}
	if !wantBlank && d.opts.SkipWhite && d.isWhite(want) {
		return canvas.DamagedPixel{}, false
	}
	res.Scanned++

	wx, wy := anchor.World(x, y)
	key, tx, ty := canvas.ToTile(wx, wy)
	px := canvas.DamagedPixel{
		ImageX: x,
		ImageY: y,
		TileX:  key.X,
		TileY:  key.Y,
		PixelX: tx,
		PixelY: ty,
	}

	have, cached := live.Lookup(wx, wy)
	if !cached {
		if wantBlank || !d.opts.UnknownAsDamage {
			return px, false
		}
		expected, ok := d.matcher.Nearest(want.RGB(), palette)
		if !ok {
			return px, false
		}
		px.Expected = expected.ID
		px.Observed = canvas.ColorUnknown
		px.Kind = canvas.DamageMissingPaint
		return px, true
	}

	haveBlank := have.A < d.opts.AlphaThreshold

	switch {
	case wantBlank && haveBlank:
		return px, false

	case wantBlank:
		if !hasTransparent {
			return px, false
		}
		px.Expected = transparent.ID
		px.Observed = d.colorID(have.RGB(), palette)
		px.Kind = canvas.DamageUnexpectedPaint
		return px, true

	case haveBlank:
		expected, ok := d.matcher.Nearest(want.RGB(), palette)
		if !ok {
			return px, false
		}
		px.Expected = expected.ID
		px.Observed = canvas.ColorUnknown
		if hasTransparent {
			px.Observed = transparent.ID
		}
		px.Kind = canvas.DamageMissingPaint
		return px, true

	default:
		expected, ok := d.matcher.Nearest(want.RGB(), palette)
		if !ok {
			return px, false
		}
		observed := d.colorID(have.RGB(), palette)
		if observed == expected.ID {
			return px, false
		}
		px.Expected = expected.ID
		px.Observed = observed
		px.Kind = canvas.DamageColorMismatch
		return px, true
	}
}

func (d *Detector) colorID(c canvas.RGB, palette canvas.Palette) int {
	e, ok := d.matcher.Nearest(c, palette)
	if !ok {
		return canvas.ColorUnknown
	}
	return e.ID
}

func (d *Detector) isWhite(c canvas.RGBA) bool {
	luma := (299*int(c.R) + 587*int(c.G) + 114*int(c.B)) / 1000
	return luma >= int(d.opts.WhiteThreshold)
}
