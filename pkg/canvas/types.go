package canvas

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TileSize is the nominal width and height of a remote tile in pixels.
const TileSize = 1000

// ColorUnknown is the colour id reported for pixels whose live state is not cached.
const ColorUnknown = -1

// RGBA is a single 8-bit-per-channel pixel.
type RGBA struct {
	R, G, B, A uint8
}

// RGB returns the colour without its alpha channel.
func (c RGBA) RGB() RGB {
	return RGB{R: c.R, G: c.G, B: c.B}
}

// RGB is an opaque palette colour.
type RGB struct {
	R, G, B uint8
}

// Key packs the colour into a 24-bit integer, used as a cache key.
func (c RGB) Key() uint32 {
	return uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
}

// Hex formats the colour as #rrggbb.
func (c RGB) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// ParseHex parses "#rrggbb" or "rrggbb".
func ParseHex(s string) (RGB, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return RGB{}, fmt.Errorf("invalid colour %q: expected 6 hex digits", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return RGB{}, fmt.Errorf("invalid colour %q: %w", s, err)
	}
	return RGB{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}, nil
}

// TileKey identifies a remote tile.
type TileKey struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (k TileKey) String() string {
	return fmt.Sprintf("%d,%d", k.X, k.Y)
}

// floorDiv divides rounding towards negative infinity, so world coordinates
// left of or above the origin land in negative tiles.
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// ToTile converts a world pixel coordinate into its tile and the position
// inside that tile.
func ToTile(worldX, worldY int) (key TileKey, px, py int) {
	key = TileKey{X: floorDiv(worldX, TileSize), Y: floorDiv(worldY, TileSize)}
	return key, worldX - key.X*TileSize, worldY - key.Y*TileSize
}

// TileSnapshot is the observed pixel state of one tile. Snapshots are
// replaced wholesale and must not be mutated once handed to a cache.
type TileSnapshot struct {
	Width      int
	Height     int
	Pix        []uint8 // RGBA, row-major, 4 bytes per pixel
	ObservedAt time.Time
}

// NewTileSnapshot allocates a fully transparent snapshot of nominal size.
func NewTileSnapshot() *TileSnapshot {
	return &TileSnapshot{
		Width:  TileSize,
		Height: TileSize,
		Pix:    make([]uint8, TileSize*TileSize*4),
	}
}

// At returns the pixel at (x, y) inside the tile.
func (s *TileSnapshot) At(x, y int) RGBA {
	i := (y*s.Width + x) * 4
	return RGBA{R: s.Pix[i], G: s.Pix[i+1], B: s.Pix[i+2], A: s.Pix[i+3]}
}

// Set writes the pixel at (x, y). Only used while building a snapshot.
func (s *TileSnapshot) Set(x, y int, c RGBA) {
	i := (y*s.Width + x) * 4
	s.Pix[i], s.Pix[i+1], s.Pix[i+2], s.Pix[i+3] = c.R, c.G, c.B, c.A
}

// Validate checks that the snapshot has nominal tile dimensions.
func (s *TileSnapshot) Validate() error {
	if s == nil {
		return fmt.Errorf("snapshot is nil")
	}
	if s.Width != TileSize || s.Height != TileSize {
		return fmt.Errorf("invalid snapshot size %dx%d: expected %dx%d", s.Width, s.Height, TileSize, TileSize)
	}
	if len(s.Pix) != s.Width*s.Height*4 {
		return fmt.Errorf("invalid snapshot buffer: %d bytes for %dx%d", len(s.Pix), s.Width, s.Height)
	}
	return nil
}

// TileEvent announces a new snapshot for a tile.
type TileEvent struct {
	Key      TileKey
	Snapshot *TileSnapshot
}

// PaletteEntry is one colour the remote canvas accepts. A nil RGB is the
// transparent "absence of paint" entry.
type PaletteEntry struct {
	ID     int
	RGB    *RGB
	Locked bool // not available to this account
}

// IsTransparent reports whether the entry is the transparent sentinel.
func (p PaletteEntry) IsTransparent() bool {
	return p.RGB == nil
}

// Palette is an ordered set of palette entries.
type Palette []PaletteEntry

// Available returns the palette without locked entries.
func (p Palette) Available() Palette {
	out := make(Palette, 0, len(p))
	for _, e := range p {
		if !e.Locked {
			out = append(out, e)
		}
	}
	return out
}

// Transparent returns the transparent entry, if the palette has one.
func (p Palette) Transparent() (PaletteEntry, bool) {
	for _, e := range p {
		if e.IsTransparent() {
			return e, true
		}
	}
	return PaletteEntry{}, false
}

// Validate checks that palette ids are unique.
func (p Palette) Validate() error {
	seen := make(map[int]bool, len(p))
	for _, e := range p {
		if seen[e.ID] {
			return fmt.Errorf("duplicate palette id %d", e.ID)
		}
		seen[e.ID] = true
	}
	return nil
}

// Anchor places the top-left pixel of a target raster in world space.
type Anchor struct {
	TileX  int
	TileY  int
	LocalX int
	LocalY int
}

// World returns the world coordinate of raster pixel (x, y).
func (a Anchor) World(x, y int) (worldX, worldY int) {
	return a.TileX*TileSize + a.LocalX + x, a.TileY*TileSize + a.LocalY + y
}

// TargetRaster is the desired image, row-major RGBA.
type TargetRaster struct {
	Width  int
	Height int
	Pix    []uint8
}

// At returns the pixel at (x, y).
func (r *TargetRaster) At(x, y int) RGBA {
	i := (y*r.Width + x) * 4
	return RGBA{R: r.Pix[i], G: r.Pix[i+1], B: r.Pix[i+2], A: r.Pix[i+3]}
}

// Validate checks raster dimensions against its buffer.
func (r *TargetRaster) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("invalid raster size %dx%d", r.Width, r.Height)
	}
	if len(r.Pix) != r.Width*r.Height*4 {
		return fmt.Errorf("invalid raster buffer: %d bytes for %dx%d", len(r.Pix), r.Width, r.Height)
	}
	return nil
}

// TilesCovered lists the tiles a raster of the given size touches when
// placed at the anchor, in row-major order.
func TilesCovered(anchor Anchor, width, height int) []TileKey {
	if width <= 0 || height <= 0 {
		return nil
	}
	x0, y0 := anchor.World(0, 0)
	x1, y1 := anchor.World(width-1, height-1)
	first, _, _ := ToTile(x0, y0)
	last, _, _ := ToTile(x1, y1)

	keys := make([]TileKey, 0, (last.X-first.X+1)*(last.Y-first.Y+1))
	for ty := first.Y; ty <= last.Y; ty++ {
		for tx := first.X; tx <= last.X; tx++ {
			keys = append(keys, TileKey{X: tx, Y: ty})
		}
	}
	return keys
}

// Target bundles everything a target source supplies for one reconciliation.
type Target struct {
	Raster  *TargetRaster
	Anchor  Anchor
	Palette Palette
}

// DamageKind classifies a discrepancy.
type DamageKind string

const (
	// DamageColorMismatch: both sides painted, different palette colours.
	DamageColorMismatch DamageKind = "color_mismatch"

	// DamageMissingPaint: target is painted, live pixel is blank or unknown.
	DamageMissingPaint DamageKind = "missing_paint"

	// DamageUnexpectedPaint: target is blank, live pixel is painted.
	DamageUnexpectedPaint DamageKind = "unexpected_paint"
)

// DamagedPixel is one discrepancy found by a scan.
type DamagedPixel struct {
	ImageX   int        `json:"image_x"` // position in the target raster
	ImageY   int        `json:"image_y"`
	TileX    int        `json:"tile_x"`
	TileY    int        `json:"tile_y"`
	PixelX   int        `json:"pixel_x"` // position inside the tile
	PixelY   int        `json:"pixel_y"`
	Expected int        `json:"expected"` // palette id
	Observed int        `json:"observed"` // palette id or ColorUnknown
	Kind     DamageKind `json:"kind"`
}

// Tile returns the key of the tile the pixel belongs to.
func (d DamagedPixel) Tile() TileKey {
	return TileKey{X: d.TileX, Y: d.TileY}
}

// Batch is a set of same-tile writes submitted as one request.
type Batch struct {
	Tile   TileKey
	Pixels []DamagedPixel
}

// BudgetState is the write budget reported by the paint authority.
type BudgetState struct {
	Count    int           `json:"count"`
	Max      int           `json:"max"`
	Cooldown time.Duration `json:"cooldown"` // time to regain one unit
}

// Credential is an opaque token accepted by the paint authority.
type Credential struct {
	Token      string
	ObtainedAt time.Time
}

// SubmitResult is the authority's answer to a batch write.
type SubmitResult struct {
	Painted int
	Total   int
}
