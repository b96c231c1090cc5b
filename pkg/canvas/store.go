package canvas

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxRecentRuns bounds the recent run list kept per instance.
const maxRecentRuns = 100

// Store provides instance-scoped Redis operations for tile snapshots, the
// write budget and run history. All keys and channels are automatically
// namespaced with the instance name. The store is safe for concurrent use.
type Store struct {
	rdb          *redis.Client
	instanceName string
}

// NewStore creates a new store for the specified instance.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - instanceName: mural instance identifier (must not be empty)
//
// Returns an error if instanceName is empty.
func NewStore(redisOpts *redis.Options, instanceName string) (*Store, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Store{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies Redis connectivity. Used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// PutTile stores a tile snapshot and publishes a tile event.
// The snapshot replaces any previous one for the same tile.
func (s *Store) PutTile(ctx context.Context, key TileKey, snap *TileSnapshot) error {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("invalid snapshot for tile %s: %w", key, err)
	}

	if err := s.rdb.HSet(ctx, TileKeyName(s.instanceName, key), SnapshotToHash(snap)).Err(); err != nil {
		return fmt.Errorf("failed to write tile %s to Redis: %w", key, err)
	}

	msg, err := json.Marshal(tileEventMessage{X: key.X, Y: key.Y, ObservedAtMs: snap.ObservedAt.UnixMilli()})
	if err != nil {
		return fmt.Errorf("failed to marshal tile event: %w", err)
	}

	if err := s.rdb.Publish(ctx, TileEventsChannel(s.instanceName), msg).Err(); err != nil {
		return fmt.Errorf("failed to publish tile event: %w", err)
	}

	return nil
}

// GetTile retrieves the stored snapshot for a tile.
// Returns (nil, ErrNotFound) if the tile has never been stored.
func (s *Store) GetTile(ctx context.Context, key TileKey) (*TileSnapshot, error) {
	hash, err := s.rdb.HGetAll(ctx, TileKeyName(s.instanceName, key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read tile %s from Redis: %w", key, err)
	}

	// HGetAll returns an empty map for missing keys
	if len(hash) == 0 {
		return nil, ErrNotFound
	}

	snap, err := HashToSnapshot(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize tile %s: %w", key, err)
	}

	return snap, nil
}

// SaveBudget records the last observed write budget.
func (s *Store) SaveBudget(ctx context.Context, b BudgetState, observedAt time.Time) error {
	if err := s.rdb.HSet(ctx, BudgetKey(s.instanceName), BudgetToHash(b, observedAt)).Err(); err != nil {
		return fmt.Errorf("failed to write budget to Redis: %w", err)
	}
	return nil
}

// GetBudget returns the last recorded write budget.
// Returns ErrNotFound if no budget has been recorded yet.
func (s *Store) GetBudget(ctx context.Context) (BudgetState, error) {
	hash, err := s.rdb.HGetAll(ctx, BudgetKey(s.instanceName)).Result()
	if err != nil {
		return BudgetState{}, fmt.Errorf("failed to read budget from Redis: %w", err)
	}
	if len(hash) == 0 {
		return BudgetState{}, ErrNotFound
	}
	return HashToBudget(hash)
}

// RunSummary is the persisted record of one reconciliation run.
type RunSummary struct {
	ID                  string `json:"id"`
	Trigger             string `json:"trigger"`
	Outcome             string `json:"outcome"`
	StartedAtMs         int64  `json:"started_at_ms"`
	FinishedAtMs        int64  `json:"finished_at_ms"`
	Scanned             int    `json:"scanned"`
	Damaged             int    `json:"damaged"`
	Repaired            int    `json:"repaired"`
	Batches             int    `json:"batches"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	RetryInMs           int64  `json:"retry_in_ms,omitempty"`
	Error               string `json:"error,omitempty"`
}

// Totals are cumulative counters across all runs of an instance.
type Totals struct {
	Runs     int64
	Scanned  int64
	Damaged  int64
	Repaired int64
}

// RecordRun folds a run into the cumulative totals and prepends it to the
// recent runs list (capped at 100 entries). Both writes happen in one
// transaction; the run is then published on the run events channel.
func (s *Store) RecordRun(ctx context.Context, run *RunSummary) error {
	runJSON, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}

	totalsKey := TotalsKey(s.instanceName)
	runsKey := RunsKey(s.instanceName)

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, totalsKey, "runs", 1)
		pipe.HIncrBy(ctx, totalsKey, "scanned", int64(run.Scanned))
		pipe.HIncrBy(ctx, totalsKey, "damaged", int64(run.Damaged))
		pipe.HIncrBy(ctx, totalsKey, "repaired", int64(run.Repaired))
		pipe.LPush(ctx, runsKey, runJSON)
		pipe.LTrim(ctx, runsKey, 0, maxRecentRuns-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.ID, err)
	}

	if err := s.rdb.Publish(ctx, RunEventsChannel(s.instanceName), runJSON).Err(); err != nil {
		return fmt.Errorf("failed to publish run event: %w", err)
	}

	return nil
}

// GetTotals returns the cumulative counters. Missing counters read as zero.
func (s *Store) GetTotals(ctx context.Context) (Totals, error) {
	hash, err := s.rdb.HGetAll(ctx, TotalsKey(s.instanceName)).Result()
	if err != nil {
		return Totals{}, fmt.Errorf("failed to read totals from Redis: %w", err)
	}

	parse := func(field string) int64 {
		v, _ := strconv.ParseInt(hash[field], 10, 64)
		return v
	}

	return Totals{
		Runs:     parse("runs"),
		Scanned:  parse("scanned"),
		Damaged:  parse("damaged"),
		Repaired: parse("repaired"),
	}, nil
}

// RecentRuns returns up to limit run summaries, newest first.
// Entries that fail to decode are skipped.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]*RunSummary, error) {
	if limit <= 0 || limit > maxRecentRuns {
		limit = maxRecentRuns
	}

	raw, err := s.rdb.LRange(ctx, RunsKey(s.instanceName), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read recent runs: %w", err)
	}

	runs := make([]*RunSummary, 0, len(raw))
	for _, entry := range raw {
		var run RunSummary
		if err := json.Unmarshal([]byte(entry), &run); err != nil {
			continue
		}
		runs = append(runs, &run)
	}

	return runs, nil
}

// TileSubscription represents an active Pub/Sub subscription to tile events.
// It satisfies the tile cache's feed interface.
// Caller must call Close() when done to clean up resources.
type TileSubscription struct {
	events <-chan TileEvent
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of tile events.
// The channel is closed when the subscription is closed or the context is cancelled.
func (s *TileSubscription) Events() <-chan TileEvent {
	return s.events
}

// Errors returns the channel of subscription errors.
// Errors include malformed messages and snapshot read failures; the
// subscription continues after errors.
func (s *TileSubscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *TileSubscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeTiles subscribes to tile events for this instance. Each event is
// resolved to the stored snapshot before delivery.
//
// Events are delivered on a buffered channel (size 10). Redis Pub/Sub is
// at-most-once: a slow subscriber may miss events, which only delays repair
// until the tile is published again.
func (s *Store) SubscribeTiles(ctx context.Context) (*TileSubscription, error) {
	pubsub := s.rdb.Subscribe(ctx, TileEventsChannel(s.instanceName))

	// Wait for the subscription to be confirmed so no event published after
	// this call returns is lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to tile events: %w", err)
	}

	eventsChan := make(chan TileEvent, 10)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		sendErr := func(err error) bool {
			select {
			case errorsChan <- err:
				return true
			case <-subCtx.Done():
				return false
			}
		}

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var ev tileEventMessage
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					if !sendErr(fmt.Errorf("failed to unmarshal tile event: %w", err)) {
						return
					}
					continue
				}

				key := TileKey{X: ev.X, Y: ev.Y}
				snap, err := s.GetTile(subCtx, key)
				if err != nil {
					if !sendErr(fmt.Errorf("failed to load announced tile %s: %w", key, err)) {
						return
					}
					continue
				}

				select {
				case eventsChan <- TileEvent{Key: key, Snapshot: snap}:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &TileSubscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// RunSubscription represents an active Pub/Sub subscription to finished runs.
// Caller must call Close() when done to clean up resources.
type RunSubscription struct {
	events <-chan *RunSummary
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of finished runs.
func (s *RunSubscription) Events() <-chan *RunSummary {
	return s.events
}

// Errors returns the channel of malformed run messages.
func (s *RunSubscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *RunSubscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeRuns subscribes to run summaries as RecordRun stores them.
func (s *Store) SubscribeRuns(ctx context.Context) (*RunSubscription, error) {
	pubsub := s.rdb.Subscribe(ctx, RunEventsChannel(s.instanceName))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to run events: %w", err)
	}

	eventsChan := make(chan *RunSummary, 10)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var run RunSummary
				if err := json.Unmarshal([]byte(msg.Payload), &run); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal run event: %w", err):
						continue
					case <-subCtx.Done():
						return
					}
				}

				select {
				case eventsChan <- &run:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &RunSubscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}
