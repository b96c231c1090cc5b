// Package canvas provides the shared data model and Redis storage patterns
// for mural, a reconciler that keeps a target image reproduced on a remote
// shared pixel canvas.
//
// # Overview
//
// The remote canvas is a raster world partitioned into fixed-size tiles
// (TileSize × TileSize pixels). Writes place a single palette colour at a
// world coordinate and are limited by a replenishing per-account budget.
// Every mural component (feed, cache, reconciliation loop, CLI) exchanges
// the types defined here.
//
// # Core Concepts
//
// A TargetRaster is the desired image, anchored at an Anchor in world space.
// A TileSnapshot is the last observed pixel state of one remote tile,
// identified by a TileKey. A DamagedPixel is a discrepancy between the two,
// and a Batch groups same-tile discrepancies into one write request.
// BudgetState models the write budget ({count, max, cooldown}).
//
// # Multi-Instance Support
//
// All Redis keys and Pub/Sub channels are namespaced by instance name so that
// several mural instances (one per account or per target) can share a single
// Redis server without interference.
//
// # Usage Example
//
//	store, err := canvas.NewStore(&redis.Options{Addr: "localhost:6379"}, "default")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	// Publish a freshly fetched tile; subscribers are notified.
//	err = store.PutTile(ctx, canvas.TileKey{X: 12, Y: 7}, snapshot)
//
//	// Consume tile events.
//	sub, err := store.SubscribeTiles(ctx)
//	for ev := range sub.Events() {
//		cache.Put(ev.Key, ev.Snapshot)
//	}
//
// # Redis Schema
//
// Tile snapshots: mural:{instance}:tile:{x}:{y}
// Budget:         mural:{instance}:budget
// Totals:         mural:{instance}:totals
// Recent runs:    mural:{instance}:runs
//
// Tile events channel: mural:{instance}:tile_events
package canvas
