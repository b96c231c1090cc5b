// Package watch streams live instance activity: tile updates and finished
// reconciliation runs.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/mural/pkg/canvas"
)

// OutputFormat selects how events are written.
type OutputFormat string

const (
	OutputFormatDefault OutputFormat = "default"
	OutputFormatJSON    OutputFormat = "json"
)

// TileFeed is satisfied by canvas.TileSubscription.
type TileFeed interface {
	Events() <-chan canvas.TileEvent
	Errors() <-chan error
}

// RunFeed is satisfied by canvas.RunSubscription.
type RunFeed interface {
	Events() <-chan *canvas.RunSummary
	Errors() <-chan error
}

// Event is the JSON form of one streamed event.
type Event struct {
	Event        string             `json:"event"` // "tile" or "run"
	TimestampMs  int64              `json:"timestamp_ms"`
	TileX        *int               `json:"tile_x,omitempty"`
	TileY        *int               `json:"tile_y,omitempty"`
	ObservedAtMs int64              `json:"observed_at_ms,omitempty"`
	Run          *canvas.RunSummary `json:"run,omitempty"`
}

// Options filter the stream.
type Options struct {
	Format OutputFormat
	Tiles  bool // include tile updates
	Now    func() time.Time
}

// Stream writes events until ctx is cancelled or both feeds close. Either
// feed may be nil. Feed errors are written as warnings in default format
// and skipped in JSON format.
func Stream(ctx context.Context, tiles TileFeed, runs RunFeed, opts Options, w io.Writer) error {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Format == "" {
		opts.Format = OutputFormatDefault
	}

	var tileEvents <-chan canvas.TileEvent
	var tileErrs, runErrs <-chan error
	var runEvents <-chan *canvas.RunSummary
	if tiles != nil && opts.Tiles {
		tileEvents, tileErrs = tiles.Events(), tiles.Errors()
	}
	if runs != nil {
		runEvents, runErrs = runs.Events(), runs.Errors()
	}

	enc := json.NewEncoder(w)
	emit := func(ev Event) error {
		if opts.Format == OutputFormatJSON {
			return enc.Encode(ev)
		}
		_, err := fmt.Fprintln(w, formatDefault(ev))
		return err
	}

	for tileEvents != nil || runEvents != nil {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-tileEvents:
			if !ok {
				tileEvents, tileErrs = nil, nil
				continue
			}
			x, y := ev.Key.X, ev.Key.Y
			out := Event{Event: "tile", TimestampMs: opts.Now().UnixMilli(), TileX: &x, TileY: &y}
			if ev.Snapshot != nil {
				out.ObservedAtMs = ev.Snapshot.ObservedAt.UnixMilli()
			}
			if err := emit(out); err != nil {
				return err
			}

		case run, ok := <-runEvents:
			if !ok {
				runEvents, runErrs = nil, nil
				continue
			}
			if err := emit(Event{Event: "run", TimestampMs: opts.Now().UnixMilli(), Run: run}); err != nil {
				return err
			}

		case err, ok := <-tileErrs:
			if !ok {
				tileErrs = nil
			} else if opts.Format == OutputFormatDefault {
				fmt.Fprintf(w, "⚠️  tile feed: %v\n", err)
			}
		case err, ok := <-runErrs:
			if !ok {
				runErrs = nil
			} else if opts.Format == OutputFormatDefault {
				fmt.Fprintf(w, "⚠️  run feed: %v\n", err)
			}
		}
	}
	return nil
}

func formatDefault(ev Event) string {
	ts := time.UnixMilli(ev.TimestampMs).Format("15:04:05")

	if ev.Event == "tile" {
		return fmt.Sprintf("[%s] 🧩 Tile %d,%d updated", ts, *ev.TileX, *ev.TileY)
	}

	r := ev.Run
	id := r.ID
	if len(id) > 8 {
		id = id[:8]
	}
	icon := "✅"
	switch r.Outcome {
	case "partial", "paused", "stopped":
		icon = "⏸️"
	case "auth_failure", "failed":
		icon = "❌"
	}

	line := fmt.Sprintf("[%s] %s Run %s (%s) %s: %d damaged, %d repaired in %d batches",
		ts, icon, id, r.Trigger, r.Outcome, r.Damaged, r.Repaired, r.Batches)
	if r.RetryInMs > 0 {
		line += fmt.Sprintf(", retrying in %ds", r.RetryInMs/1000)
	}
	if r.Error != "" {
		line += " - " + r.Error
	}
	return line
}
