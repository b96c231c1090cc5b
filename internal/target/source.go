// Package target loads the image to maintain from a session file.
package target

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	// Image formats accepted for targets.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/dyluth/mural/internal/colormatch"
	"github.com/dyluth/mural/internal/damage"
	"github.com/dyluth/mural/internal/planner"
	"github.com/dyluth/mural/pkg/canvas"
)

// FileSource loads a session file and its image on every call, so edits
// take effect on the next run.
type FileSource struct {
	Path string
}

// Load reads the session and image. Locked palette entries are removed.
func (f *FileSource) Load(ctx context.Context) (*canvas.Target, error) {
	s, err := LoadSession(f.Path)
	if err != nil {
		return nil, err
	}
	return s.Target(filepath.Dir(f.Path))
}

// Keys lists the tiles covered by the current target, for the tile poller.
func (f *FileSource) Keys(ctx context.Context) ([]canvas.TileKey, error) {
	t, err := f.Load(ctx)
	if err != nil {
		return nil, err
	}
	return canvas.TilesCovered(t.Anchor, t.Raster.Width, t.Raster.Height), nil
}

// Target resolves the session's image relative to dir and builds the target.
func (s *Session) Target(dir string) (*canvas.Target, error) {
	path := s.Image
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}

	raster, err := LoadImage(path)
	if err != nil {
		return nil, err
	}

	palette, err := s.palette()
	if err != nil {
		return nil, err
	}
	palette = palette.Available()
	if _, ok := palette.Transparent(); len(palette) == 0 || (ok && len(palette) == 1) {
		return nil, fmt.Errorf("palette has no available colours")
	}

	return &canvas.Target{
		Raster: raster,
		Anchor: canvas.Anchor{
			TileX:  s.Anchor.TileX,
			TileY:  s.Anchor.TileY,
			LocalX: s.Anchor.LocalX,
			LocalY: s.Anchor.LocalY,
		},
		Palette: palette,
	}, nil
}

// LoadImage decodes a png, jpeg, gif, bmp or webp file into a raster.
func LoadImage(path string) (*canvas.TargetRaster, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open target image: %w", err)
	}
	defer file.Close()

	img, format, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode target image %s: %w", path, err)
	}

	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)

	raster := &canvas.TargetRaster{Width: b.Dx(), Height: b.Dy(), Pix: dst.Pix}
	if err := raster.Validate(); err != nil {
		return nil, fmt.Errorf("target image %s (%s): %w", path, format, err)
	}
	return raster, nil
}

// Strategy returns the batch strategy. Empty or "auto" selects Auto.
func (t TunablesConfig) Strategy() planner.Strategy {
	if t.BatchSize == "" || strings.EqualFold(t.BatchSize, "auto") {
		return planner.Auto()
	}
	n, err := strconv.Atoi(t.BatchSize)
	if err != nil {
		return planner.Auto()
	}
	return planner.Fixed(n)
}

// DetectorOptions applies the session's overrides to base.
func (t TunablesConfig) DetectorOptions(base damage.Options) damage.Options {
	if t.AlphaThreshold != nil {
		base.AlphaThreshold = uint8(*t.AlphaThreshold)
	}
	if t.WhiteThreshold != nil {
		base.WhiteThreshold = uint8(*t.WhiteThreshold)
	}
	base.SkipWhite = base.SkipWhite || t.SkipWhite
	base.IgnoreBlank = base.IgnoreBlank || t.IgnoreBlank
	return base
}

// MatcherOptions returns colour matching options.
func (t TunablesConfig) MatcherOptions() colormatch.Options {
	opts := colormatch.Options{ChromaPenalty: t.ChromaPenalty}
	if t.ChromaWeight != nil {
		opts.ChromaWeight = *t.ChromaWeight
	}
	return opts
}
