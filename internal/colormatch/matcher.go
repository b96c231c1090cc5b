// Package colormatch maps arbitrary colours onto a palette using CIE-Lab
// distance, optionally penalising desaturated substitutes.
package colormatch

import (
	"math"
	"sync"

	"github.com/dyluth/mural/pkg/canvas"
)

const (
	DefaultCacheSize       = 15000
	DefaultChromaThreshold = 20.0
	DefaultChromaWeight    = 0.15
)

// Options tune matching. The zero value disables the chroma penalty and
// uses the default cache size.
type Options struct {
	ChromaPenalty   bool
	ChromaThreshold float64
	ChromaWeight    float64
	CacheSize       int
}

func (o Options) withDefaults() Options {
	if o.ChromaThreshold <= 0 {
		o.ChromaThreshold = DefaultChromaThreshold
	}
	if o.ChromaWeight <= 0 {
		o.ChromaWeight = DefaultChromaWeight
	}
	if o.CacheSize <= 0 {
		o.CacheSize = DefaultCacheSize
	}
	return o
}

type lab struct {
	L, A, B float64
}

func (c lab) chroma() float64 {
	return math.Hypot(c.A, c.B)
}

// Matcher finds nearest palette colours. It is safe for concurrent use.
type Matcher struct {
	opts Options

	mu    sync.Mutex
	cache map[uint32]lab
}

// New creates a matcher.
func New(opts Options) *Matcher {
	opts = opts.withDefaults()
	return &Matcher{
		opts:  opts,
		cache: make(map[uint32]lab, 256),
	}
}

// Nearest returns the palette entry closest to c. Transparent entries are
// never candidates. ok is false when the palette has no opaque entry.
func (m *Matcher) Nearest(c canvas.RGB, palette canvas.Palette) (canvas.PaletteEntry, bool) {
	for _, e := range palette {
		if e.RGB != nil && *e.RGB == c {
			return e, true
		}
	}

	target := m.toLab(c)
	targetChroma := target.chroma()

	best := math.Inf(1)
	var match canvas.PaletteEntry
	found := false

	for _, e := range palette {
		if e.RGB == nil {
			continue
		}
		cand := m.toLab(*e.RGB)
		dl, da, db := target.L-cand.L, target.A-cand.A, target.B-cand.B
		dist := dl*dl + da*da + db*db

		if m.opts.ChromaPenalty && targetChroma > m.opts.ChromaThreshold {
			if candChroma := cand.chroma(); candChroma < targetChroma {
				dc := targetChroma - candChroma
				dist += m.opts.ChromaWeight * dc * dc
			}
		}

		if dist < best {
			best = dist
			match = e
			found = true
		}
	}

	return match, found
}

// toLab converts through the cache. The cache is cleared wholesale when it
// reaches its bound.
func (m *Matcher) toLab(c canvas.RGB) lab {
	key := c.Key()

	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.cache[key]; ok {
		return v
	}
	if len(m.cache) >= m.opts.CacheSize {
		clear(m.cache)
	}
	v := rgbToLab(c)
	m.cache[key] = v
	return v
}

func (m *Matcher) cacheLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache)
}

// D65 reference white
const (
	refX = 0.95047
	refY = 1.00000
	refZ = 1.08883
)

func srgbToLinear(v uint8) float64 {
	c := float64(v) / 255
	if c <= 0.04045 {
		return c / 12.92
	}
	return math.Pow((c+0.055)/1.055, 2.4)
}

func labF(t float64) float64 {
	const delta = 6.0 / 29.0
	if t > delta*delta*delta {
		return math.Cbrt(t)
	}
	return t/(3*delta*delta) + 4.0/29.0
}

func rgbToLab(c canvas.RGB) lab {
	r, g, b := srgbToLinear(c.R), srgbToLinear(c.G), srgbToLinear(c.B)

	x := r*0.4124564 + g*0.3575761 + b*0.1804375
	y := r*0.2126729 + g*0.7151522 + b*0.0721750
	z := r*0.0193339 + g*0.1191920 + b*0.9503041

	fx, fy, fz := labF(x/refX), labF(y/refY), labF(z/refZ)

	return lab{
		L: 116*fy - 16,
		A: 500 * (fx - fy),
		B: 200 * (fy - fz),
	}
}
