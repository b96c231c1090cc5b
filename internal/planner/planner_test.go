package planner

import (
	"testing"

	"github.com/dyluth/mural/pkg/canvas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pixelsOn(tile canvas.TileKey, n int) []canvas.DamagedPixel {
	out := make([]canvas.DamagedPixel, n)
	for i := range out {
		out[i] = canvas.DamagedPixel{TileX: tile.X, TileY: tile.Y, PixelX: i, Expected: 8, Kind: canvas.DamageMissingPaint}
	}
	return out
}

func TestBatchSize(t *testing.T) {
	tests := []struct {
		name     string
		strategy Strategy
		count    int
		want     int
	}{
		{"auto uses damage count", Auto(), 6, 6},
		{"auto clamps to max", Auto(), 1200, MaxBatch},
		{"auto clamps to min", Auto(), 0, MinBatch},
		{"fixed", Fixed(25), 6, 25},
		{"fixed clamps high", Fixed(10000), 6, MaxBatch},
		{"fixed clamps low", Fixed(-3), 6, MinBatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BatchSize(tt.strategy, tt.count))
		})
	}
}

func TestPlanAutoSingleBatch(t *testing.T) {
	damaged := pixelsOn(canvas.TileKey{X: 1, Y: 2}, 6)

	batches := Plan(damaged, Auto())
	require.Len(t, batches, 1)
	assert.Equal(t, canvas.TileKey{X: 1, Y: 2}, batches[0].Tile)
	assert.Len(t, batches[0].Pixels, 6)
}

func TestPlanKeepsTilesApart(t *testing.T) {
	a := canvas.TileKey{X: 0, Y: 0}
	b := canvas.TileKey{X: 1, Y: 0}

	// Interleaved scan order: a, b, a, b, ...
	var damaged []canvas.DamagedPixel
	pa, pb := pixelsOn(a, 7), pixelsOn(b, 5)
	for i := 0; i < 7; i++ {
		damaged = append(damaged, pa[i])
		if i < 5 {
			damaged = append(damaged, pb[i])
		}
	}

	batches := Plan(damaged, Fixed(3))

	total := 0
	for _, batch := range batches {
		for _, px := range batch.Pixels {
			assert.Equal(t, batch.Tile, px.Tile(), "batch must not span tiles")
		}
		assert.LessOrEqual(t, len(batch.Pixels), 3)
		total += len(batch.Pixels)
	}
	assert.Equal(t, len(damaged), total, "every damaged pixel is planned exactly once")

	// First-seen tile order, then chunk order.
	require.Len(t, batches, 5)
	assert.Equal(t, []canvas.TileKey{a, a, a, b, b}, []canvas.TileKey{
		batches[0].Tile, batches[1].Tile, batches[2].Tile, batches[3].Tile, batches[4].Tile,
	})
	assert.Equal(t, []int{3, 3, 1, 3, 2}, []int{
		len(batches[0].Pixels), len(batches[1].Pixels), len(batches[2].Pixels),
		len(batches[3].Pixels), len(batches[4].Pixels),
	})
	assert.Equal(t, 0, batches[0].Pixels[0].PixelX)
	assert.Equal(t, 6, batches[2].Pixels[0].PixelX)
}

func TestPlanEmpty(t *testing.T) {
	assert.Nil(t, Plan(nil, Auto()))
}

func TestSplit(t *testing.T) {
	b := canvas.Batch{Tile: canvas.TileKey{X: 4}, Pixels: pixelsOn(canvas.TileKey{X: 4}, 10)}

	parts := Split(b, 4)
	require.Len(t, parts, 3)
	assert.Len(t, parts[2].Pixels, 2)

	assert.Len(t, Split(b, 10), 1)
	assert.Len(t, Split(b, 0), 10, "size below minimum splits per pixel")
}

func TestStrategyString(t *testing.T) {
	assert.Equal(t, "auto", Auto().String())
	assert.Equal(t, "fixed(25)", Fixed(25).String())
	assert.True(t, Strategy{}.IsAuto())
}
