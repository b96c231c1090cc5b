// Package tilecache holds the last observed snapshot of each remote tile and
// answers point queries in world coordinates.
package tilecache

import (
	"sort"
	"sync"

	"github.com/dyluth/mural/pkg/canvas"
)

// Cache maps tile keys to their latest snapshot. Snapshots are replaced
// wholesale; a reader holding an old snapshot keeps a consistent view.
type Cache struct {
	mu    sync.RWMutex
	tiles map[canvas.TileKey]*canvas.TileSnapshot
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{tiles: make(map[canvas.TileKey]*canvas.TileSnapshot)}
}

// Put replaces any prior snapshot for key.
func (c *Cache) Put(key canvas.TileKey, snap *canvas.TileSnapshot) {
	c.mu.Lock()
	c.tiles[key] = snap
	c.mu.Unlock()
}

// Get returns the cached snapshot for key.
func (c *Cache) Get(key canvas.TileKey) (*canvas.TileSnapshot, bool) {
	c.mu.RLock()
	snap, ok := c.tiles[key]
	c.mu.RUnlock()
	return snap, ok
}

// Lookup returns the observed pixel at a world coordinate. ok is false when
// the tile is not cached; callers must treat that as unknown, never as
// transparent.
func (c *Cache) Lookup(worldX, worldY int) (canvas.RGBA, bool) {
	key, px, py := canvas.ToTile(worldX, worldY)
	snap, ok := c.Get(key)
	if !ok {
		return canvas.RGBA{}, false
	}
	return snap.At(px, py), true
}

// Len returns the number of cached tiles.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tiles)
}

// Keys returns the cached tile keys in row-major order.
func (c *Cache) Keys() []canvas.TileKey {
	c.mu.RLock()
	keys := make([]canvas.TileKey, 0, len(c.tiles))
	for k := range c.tiles {
		keys = append(keys, k)
	}
	c.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Y != keys[j].Y {
			return keys[i].Y < keys[j].Y
		}
		return keys[i].X < keys[j].X
	})
	return keys
}
