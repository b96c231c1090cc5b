package canvas

import (
	"fmt"
	"strconv"
	"time"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores data as string-to-string maps (hashes). Pixel buffers are
// stored as a single binary field; numeric fields are stored as decimal
// strings so they stay readable from redis-cli.

// SnapshotToHash converts a TileSnapshot to a Redis hash.
func SnapshotToHash(s *TileSnapshot) map[string]interface{} {
	return map[string]interface{}{
		"width":          s.Width,
		"height":         s.Height,
		"pix":            s.Pix,
		"observed_at_ms": s.ObservedAt.UnixMilli(),
	}
}

// HashToSnapshot converts a Redis hash back to a TileSnapshot.
func HashToSnapshot(hash map[string]string) (*TileSnapshot, error) {
	width, err := strconv.Atoi(hash["width"])
	if err != nil {
		return nil, fmt.Errorf("invalid width field: %w", err)
	}

	height, err := strconv.Atoi(hash["height"])
	if err != nil {
		return nil, fmt.Errorf("invalid height field: %w", err)
	}

	observedAtMs, _ := strconv.ParseInt(hash["observed_at_ms"], 10, 64)

	snap := &TileSnapshot{
		Width:      width,
		Height:     height,
		Pix:        []uint8(hash["pix"]),
		ObservedAt: time.UnixMilli(observedAtMs),
	}

	if err := snap.Validate(); err != nil {
		return nil, err
	}

	return snap, nil
}

// BudgetToHash converts a BudgetState to a Redis hash.
func BudgetToHash(b BudgetState, observedAt time.Time) map[string]interface{} {
	return map[string]interface{}{
		"count":          b.Count,
		"max":            b.Max,
		"cooldown_ms":    b.Cooldown.Milliseconds(),
		"observed_at_ms": observedAt.UnixMilli(),
	}
}

// HashToBudget converts a Redis hash to a BudgetState.
func HashToBudget(hash map[string]string) (BudgetState, error) {
	count, err := strconv.Atoi(hash["count"])
	if err != nil {
		return BudgetState{}, fmt.Errorf("invalid count field: %w", err)
	}

	maxCount, err := strconv.Atoi(hash["max"])
	if err != nil {
		return BudgetState{}, fmt.Errorf("invalid max field: %w", err)
	}

	cooldownMs, err := strconv.ParseInt(hash["cooldown_ms"], 10, 64)
	if err != nil {
		return BudgetState{}, fmt.Errorf("invalid cooldown_ms field: %w", err)
	}

	return BudgetState{
		Count:    count,
		Max:      maxCount,
		Cooldown: time.Duration(cooldownMs) * time.Millisecond,
	}, nil
}

// tileEventMessage is the Pub/Sub payload for tile events. Pixel data is not
// sent over Pub/Sub; subscribers read the snapshot hash instead.
type tileEventMessage struct {
	X            int   `json:"x"`
	Y            int   `json:"y"`
	ObservedAtMs int64 `json:"observed_at_ms"`
}
