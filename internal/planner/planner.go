// Package planner groups damaged pixels into same-tile write batches.
package planner

import (
	"fmt"

	"github.com/dyluth/mural/pkg/canvas"
)

const (
	// MinBatch and MaxBatch bound every batch the planner produces.
	MinBatch = 1
	MaxBatch = 500
)

// Strategy selects the batch size. The zero value is Auto.
type Strategy struct {
	fixed int
}

// Auto sizes batches to the damage count, clamped to [MinBatch, MaxBatch].
func Auto() Strategy {
	return Strategy{}
}

// Fixed uses n pixels per batch, clamped to [MinBatch, MaxBatch].
func Fixed(n int) Strategy {
	return Strategy{fixed: clamp(n)}
}

// IsAuto reports whether the strategy sizes batches automatically.
func (s Strategy) IsAuto() bool {
	return s.fixed == 0
}

func (s Strategy) String() string {
	if s.IsAuto() {
		return "auto"
	}
	return fmt.Sprintf("fixed(%d)", s.fixed)
}

// BatchSize returns the chunk size the strategy uses for count damaged pixels.
func BatchSize(s Strategy, count int) int {
	if s.IsAuto() {
		return clamp(count)
	}
	return s.fixed
}

// Plan partitions damaged pixels by tile, keeping the order in which tiles
// first appear in the scan, and chunks each group by the strategy's batch
// size. Pixels keep their scan order within a batch.
func Plan(damaged []canvas.DamagedPixel, s Strategy) []canvas.Batch {
	if len(damaged) == 0 {
		return nil
	}
	size := BatchSize(s, len(damaged))

	var order []canvas.TileKey
	groups := make(map[canvas.TileKey][]canvas.DamagedPixel)
	for _, px := range damaged {
		key := px.Tile()
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], px)
	}

	var batches []canvas.Batch
	for _, key := range order {
		batches = append(batches, Split(canvas.Batch{Tile: key, Pixels: groups[key]}, size)...)
	}
	return batches
}

// Split chunks a batch into batches of at most size pixels. A size below
// MinBatch is treated as MinBatch.
func Split(b canvas.Batch, size int) []canvas.Batch {
	if size < MinBatch {
		size = MinBatch
	}
	if len(b.Pixels) <= size {
		return []canvas.Batch{b}
	}

	out := make([]canvas.Batch, 0, (len(b.Pixels)+size-1)/size)
	for start := 0; start < len(b.Pixels); start += size {
		end := start + size
		if end > len(b.Pixels) {
			end = len(b.Pixels)
		}
		out = append(out, canvas.Batch{Tile: b.Tile, Pixels: b.Pixels[start:end]})
	}
	return out
}

func clamp(n int) int {
	if n < MinBatch {
		return MinBatch
	}
	if n > MaxBatch {
		return MaxBatch
	}
	return n
}
