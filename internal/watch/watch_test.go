package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/dyluth/mural/internal/testutil"
	"github.com/dyluth/mural/pkg/canvas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixed = func() time.Time { return time.Date(2025, 10, 29, 13, 4, 5, 0, time.Local) }

type chanTiles struct {
	events chan canvas.TileEvent
	errs   chan error
}

func (c *chanTiles) Events() <-chan canvas.TileEvent { return c.events }
func (c *chanTiles) Errors() <-chan error             { return c.errs }

type chanRuns struct {
	events chan *canvas.RunSummary
	errs   chan error
}

func (c *chanRuns) Events() <-chan *canvas.RunSummary { return c.events }
func (c *chanRuns) Errors() <-chan error               { return c.errs }

func TestStreamDefaultFormat(t *testing.T) {
	tiles := &chanTiles{events: make(chan canvas.TileEvent, 1), errs: make(chan error)}
	runs := &chanRuns{events: make(chan *canvas.RunSummary, 2), errs: make(chan error)}

	tiles.events <- canvas.TileEvent{Key: canvas.TileKey{X: 3, Y: -2}}
	close(tiles.events)
	runs.events <- &canvas.RunSummary{ID: "0123456789", Trigger: "interval", Outcome: "repaired", Damaged: 4, Repaired: 4, Batches: 1}
	runs.events <- &canvas.RunSummary{ID: "abc", Trigger: "interval", Outcome: "paused", RetryInMs: 120000, Error: "submit failed"}
	close(runs.events)

	var buf bytes.Buffer
	require.NoError(t, Stream(context.Background(), tiles, runs, Options{Tiles: true, Now: fixed}, &buf))

	out := buf.String()
	assert.Contains(t, out, "[13:04:05] 🧩 Tile 3,-2 updated\n")
	assert.Contains(t, out, "✅ Run 01234567 (interval) repaired: 4 damaged, 4 repaired in 1 batches\n")
	assert.Contains(t, out, "⏸️ Run abc (interval) paused: 0 damaged, 0 repaired in 0 batches, retrying in 120s - submit failed\n")
}

func TestStreamJSONSkipsTilesUnlessAsked(t *testing.T) {
	tiles := &chanTiles{events: make(chan canvas.TileEvent, 1), errs: make(chan error)}
	runs := &chanRuns{events: make(chan *canvas.RunSummary, 1), errs: make(chan error)}

	tiles.events <- canvas.TileEvent{Key: canvas.TileKey{X: 1, Y: 1}}
	runs.events <- &canvas.RunSummary{ID: "r1", Outcome: "no_damage"}
	close(runs.events)

	var buf bytes.Buffer
	require.NoError(t, Stream(context.Background(), tiles, runs, Options{Format: OutputFormatJSON, Now: fixed}, &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &ev))
	assert.Equal(t, "run", ev.Event)
	assert.Equal(t, "r1", ev.Run.ID)
	assert.Nil(t, ev.TileX)
}

func TestStreamFromStore(t *testing.T) {
	store, _ := testutil.NewStore(t, "watch")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runs, err := store.SubscribeRuns(ctx)
	require.NoError(t, err)
	defer runs.Close()

	var buf safeBuffer
	done := make(chan error, 1)
	go func() { done <- Stream(ctx, nil, runs, Options{Format: OutputFormatJSON}, &buf) }()

	require.NoError(t, store.RecordRun(ctx, &canvas.RunSummary{ID: "from-redis", Outcome: "repaired"}))

	assert.Eventually(t, func() bool { return strings.Contains(buf.String(), "from-redis") }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stream did not return after cancel")
	}
}
