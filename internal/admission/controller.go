// Package admission gates batch submission on the remote write budget.
//
// The controller is the only component that mutates its view of the budget.
// It learns the budget by polling a BudgetSource and debits it locally after
// each successful submission, so a batch is only released once a poll has
// observed enough budget for it.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dyluth/mural/internal/logging"
	"github.com/dyluth/mural/internal/metrics"
	"github.com/dyluth/mural/pkg/canvas"
	"github.com/jonboulle/clockwork"
)

// MaxRefreshFailures is the default number of consecutive failed polls
// tolerated while waiting.
const MaxRefreshFailures = 5

// ErrExceedsMax is returned by Await when the requested amount is larger
// than the budget can ever hold.
var ErrExceedsMax = errors.New("required budget exceeds maximum")

// BudgetSource reports the current write budget. Implemented by the paint
// authority client.
type BudgetSource interface {
	Budget(ctx context.Context) (canvas.BudgetState, error)
}

// BudgetRecorder mirrors observed budgets somewhere visible. Implemented by
// canvas.Store.
type BudgetRecorder interface {
	SaveBudget(ctx context.Context, b canvas.BudgetState, observedAt time.Time) error
}

// PollInterval returns the delay before the next budget poll given the
// estimated time until the budget suffices.
func PollInterval(remaining time.Duration) time.Duration {
	switch {
	case remaining > 5*time.Second:
		return 2 * time.Second
	case remaining > time.Second:
		return 500 * time.Millisecond
	default:
		return 100 * time.Millisecond
	}
}

// Controller tracks the write budget.
type Controller struct {
	source   BudgetSource
	recorder BudgetRecorder
	clock    clockwork.Clock

	// MaxRefreshFailures overrides the package default when positive.
	MaxRefreshFailures int

	mu         sync.Mutex
	state      canvas.BudgetState
	observedAt time.Time
	known      bool
}

// New creates a controller. recorder may be nil.
func New(source BudgetSource, clock clockwork.Clock, recorder BudgetRecorder) *Controller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Controller{
		source:   source,
		recorder: recorder,
		clock:    clock,
	}
}

// State returns the last known budget. ok is false before the first
// successful refresh.
func (c *Controller) State() (canvas.BudgetState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.known
}

// Refresh polls the source and replaces the local view of the budget.
func (c *Controller) Refresh(ctx context.Context) (canvas.BudgetState, error) {
	st, err := c.source.Budget(ctx)
	if err != nil {
		return canvas.BudgetState{}, fmt.Errorf("failed to refresh budget: %w", err)
	}

	now := c.clock.Now()
	c.mu.Lock()
	c.state = st
	c.observedAt = now
	c.known = true
	c.mu.Unlock()

	c.record(ctx, st, now)
	return st, nil
}

// Await blocks until a poll observes at least required units of budget.
// It never returns nil early: the wait ends only on a fresh observation.
// Cancellation is checked once per poll tick.
func (c *Controller) Await(ctx context.Context, required int) error {
	if required <= 0 {
		return nil
	}
	logger := logging.Component("admission")

	maxFailures := c.MaxRefreshFailures
	if maxFailures <= 0 {
		maxFailures = MaxRefreshFailures
	}

	failures := 0
	var remaining time.Duration
	for {
		st, err := c.Refresh(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			logger.Warn().Err(err).Int("failures", failures).Msg("budget poll failed")
			if failures >= maxFailures {
				return fmt.Errorf("budget unavailable after %d attempts: %w", failures, err)
			}

		case st.Max > 0 && required > st.Max:
			return fmt.Errorf("%w: need %d, max %d", ErrExceedsMax, required, st.Max)

		case st.Count >= required:
			return nil

		default:
			failures = 0
			remaining = time.Duration(required-st.Count) * st.Cooldown
			logger.Debug().
				Int("count", st.Count).
				Int("required", required).
				Dur("remaining", remaining).
				Msg("waiting for budget")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(PollInterval(remaining)):
		}
	}
}

// Consume debits n units after a successful submission.
func (c *Controller) Consume(ctx context.Context, n int) {
	if n <= 0 {
		return
	}

	c.mu.Lock()
	c.state.Count -= n
	if c.state.Count < 0 {
		c.state.Count = 0
	}
	st := c.state
	c.mu.Unlock()

	c.record(ctx, st, c.clock.Now())
}

func (c *Controller) record(ctx context.Context, st canvas.BudgetState, at time.Time) {
	metrics.RecordBudget(st)
	if c.recorder == nil {
		return
	}
	if err := c.recorder.SaveBudget(ctx, st, at); err != nil {
		logger := logging.Component("admission")
		logger.Warn().Err(err).Msg("failed to record budget")
	}
}
