package tilecache

import (
	"context"

	"github.com/dyluth/mural/internal/logging"
	"github.com/dyluth/mural/pkg/canvas"
)

// Feed pushes fresh tile imagery. canvas.TileSubscription implements it.
type Feed interface {
	Events() <-chan canvas.TileEvent
	Errors() <-chan error
}

// Consume applies feed events to the cache until the context is cancelled
// or the feed closes. Snapshots without nominal tile dimensions are dropped.
// onUpdate, if non-nil, is called after each accepted snapshot.
func (c *Cache) Consume(ctx context.Context, feed Feed, onUpdate func(canvas.TileKey)) error {
	logger := logging.Component("tilecache")
	logger.Debug().Msg("tile feed consumer starting")

	events := feed.Events()
	errs := feed.Errors()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				logger.Debug().Msg("tile feed closed")
				return nil
			}
			if err := ev.Snapshot.Validate(); err != nil {
				logger.Warn().Err(err).Str("tile", ev.Key.String()).Msg("dropping tile snapshot")
				continue
			}
			c.Put(ev.Key, ev.Snapshot)
			logger.Debug().Str("tile", ev.Key.String()).Msg("tile updated")
			if onUpdate != nil {
				onUpdate(ev.Key)
			}

		case err, ok := <-errs:
			if !ok {
				// Error channel closed; keep draining events until they close too.
				errs = nil
				continue
			}
			logger.Warn().Err(err).Msg("tile feed error")
		}
	}
}

// Loader reads stored snapshots. Implemented by canvas.Store.
type Loader interface {
	GetTile(ctx context.Context, key canvas.TileKey) (*canvas.TileSnapshot, error)
}

// Warm pre-loads the given tiles from loader. Tiles that were never stored
// are skipped, as are snapshots without nominal dimensions. Returns the
// number of tiles loaded and the first hard error.
func (c *Cache) Warm(ctx context.Context, loader Loader, keys []canvas.TileKey) (int, error) {
	loaded := 0
	for _, key := range keys {
		snap, err := loader.GetTile(ctx, key)
		if err != nil {
			if canvas.IsNotFound(err) {
				continue
			}
			return loaded, err
		}
		if err := snap.Validate(); err != nil {
			logger := logging.Component("tilecache")
			logger.Warn().Err(err).Str("tile", key.String()).Msg("skipping stored tile snapshot")
			continue
		}
		c.Put(key, snap)
		loaded++
	}
	return loaded, nil
}
