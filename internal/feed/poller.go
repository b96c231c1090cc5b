// Package feed fetches tile imagery from the canvas and publishes it to the
// store, which fans it out to tile caches.
package feed

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dyluth/mural/internal/logging"
	"github.com/dyluth/mural/pkg/canvas"
	"github.com/jonboulle/clockwork"
	"golang.org/x/image/draw"
)

const DefaultPollInterval = 30 * time.Second

// Sink receives decoded tiles. Implemented by canvas.Store.
type Sink interface {
	PutTile(ctx context.Context, key canvas.TileKey, snap *canvas.TileSnapshot) error
}

// KeySource lists the tiles to poll. It is called once per round so the
// set can follow the current target.
type KeySource func(ctx context.Context) ([]canvas.TileKey, error)

// Options configure a Poller.
type Options struct {
	TilesURL   string
	Interval   time.Duration
	HTTPClient *http.Client
	Clock      clockwork.Clock
}

// Poller periodically downloads tiles.
type Poller struct {
	base     string
	interval time.Duration
	http     *http.Client
	clock    clockwork.Clock
	keys     KeySource
	sink     Sink

	mu    sync.Mutex
	etags map[canvas.TileKey]string
}

// New creates a poller.
func New(opts Options, keys KeySource, sink Sink) (*Poller, error) {
	if opts.TilesURL == "" {
		return nil, fmt.Errorf("tiles URL is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	return &Poller{
		base:     strings.TrimRight(opts.TilesURL, "/"),
		interval: opts.Interval,
		http:     opts.HTTPClient,
		clock:    opts.Clock,
		keys:     keys,
		sink:     sink,
		etags:    make(map[canvas.TileKey]string),
	}, nil
}

// Run polls immediately and then every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	logger := logging.Component("feed")
	logger.Info().Str("tiles_url", p.base).Dur("interval", p.interval).Msg("tile poller starting")

	for {
		stored, err := p.PollOnce(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Int("stored", stored).Msg("tile poll incomplete")
		} else {
			logger.Debug().Int("stored", stored).Msg("tile poll complete")
		}

		select {
		case <-ctx.Done():
			logger.Info().Msg("tile poller shutting down")
			return ctx.Err()
		case <-p.clock.After(p.interval):
		}
	}
}

// PollOnce fetches every tile once and stores the ones that changed. It
// returns the number of tiles stored and the joined per-tile errors.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	keys, err := p.keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list tiles: %w", err)
	}

	stored := 0
	var errs []error
	for _, key := range keys {
		if ctx.Err() != nil {
			return stored, ctx.Err()
		}

		snap, err := p.Fetch(ctx, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if snap == nil {
			continue // unchanged
		}
		if err := p.sink.PutTile(ctx, key, snap); err != nil {
			errs = append(errs, err)
			continue
		}
		stored++
	}
	return stored, errors.Join(errs...)
}

// Fetch downloads and decodes one tile. It returns (nil, nil) when the
// server reports the tile unchanged since the last fetch.
func (p *Poller) Fetch(ctx context.Context, key canvas.TileKey) (*canvas.TileSnapshot, error) {
	url := fmt.Sprintf("%s/%d/%d.png", p.base, key.X, key.Y)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for tile %s: %w", key, err)
	}

	p.mu.Lock()
	if etag := p.etags[key]; etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	p.mu.Unlock()

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tile %s: %w", key, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil, nil
	case resp.StatusCode == http.StatusNotFound:
		// Never painted: fully transparent.
		snap := canvas.NewTileSnapshot()
		snap.ObservedAt = p.clock.Now()
		return snap, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("failed to fetch tile %s: status %d", key, resp.StatusCode)
	}

	snap, err := Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tile %s: %w", key, err)
	}
	snap.ObservedAt = p.clock.Now()

	if etag := resp.Header.Get("ETag"); etag != "" {
		p.mu.Lock()
		p.etags[key] = etag
		p.mu.Unlock()
	}
	return snap, nil
}

// Decode reads a PNG tile into a snapshot. Images without nominal tile
// dimensions are rejected.
func Decode(r io.Reader) (*canvas.TileSnapshot, error) {
	img, err := png.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tile image: %w", err)
	}

	b := img.Bounds()
	if b.Dx() != canvas.TileSize || b.Dy() != canvas.TileSize {
		return nil, fmt.Errorf("unexpected tile size %dx%d", b.Dx(), b.Dy())
	}

	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)

	return &canvas.TileSnapshot{
		Width:  b.Dx(),
		Height: b.Dy(),
		Pix:    dst.Pix,
	}, nil
}
