// Package repair submits planned batches to the paint authority.
package repair

import (
	"context"
	"errors"
	"fmt"

	"github.com/dyluth/mural/internal/logging"
	"github.com/dyluth/mural/pkg/canvas"
)

var (
	// ErrAuthFailure means the authority rejected the batch even with a
	// freshly obtained credential, or no credential could be obtained.
	ErrAuthFailure = errors.New("authentication failed")

	// ErrHardFailure covers every other submission failure.
	ErrHardFailure = errors.New("batch submission failed")
)

// Authority is the remote paint service.
type Authority interface {
	// EnsureCredential returns a usable credential. forceRefresh discards
	// any cached credential first.
	EnsureCredential(ctx context.Context, forceRefresh bool) (*canvas.Credential, error)

	// SubmitBatch writes pixels to one tile. It returns canvas.ErrAuthRejected
	// when the credential is not accepted.
	SubmitBatch(ctx context.Context, tile canvas.TileKey, pixels []canvas.DamagedPixel, cred *canvas.Credential) (canvas.SubmitResult, error)

	// Budget reports the current write budget.
	Budget(ctx context.Context) (canvas.BudgetState, error)
}

// Result describes a submitted batch.
type Result struct {
	Painted  int
	Total    int
	Attempts int
}

// Partial reports whether the authority painted fewer pixels than submitted.
func (r Result) Partial() bool {
	return r.Painted < r.Total
}

// Executor submits batches with a single credential refresh on rejection.
type Executor struct {
	authority Authority
}

// New creates an executor.
func New(authority Authority) *Executor {
	return &Executor{authority: authority}
}

// Execute submits one batch. The submission runs on a context detached from
// ctx's cancellation, so a stop request never aborts a write already on the
// wire; deadlines set by the authority client still apply.
func (e *Executor) Execute(ctx context.Context, batch canvas.Batch) (Result, error) {
	logger := logging.Component("repair")
	res := Result{Total: len(batch.Pixels)}
	if len(batch.Pixels) == 0 {
		return res, nil
	}

	submitCtx := context.WithoutCancel(ctx)

	cred, err := e.authority.EnsureCredential(submitCtx, false)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrAuthFailure, err)
	}

	for {
		res.Attempts++
		out, err := e.authority.SubmitBatch(submitCtx, batch.Tile, batch.Pixels, cred)
		if err == nil {
			res.Painted = out.Painted
			if out.Total > 0 {
				res.Total = out.Total
			}
			logger.Debug().
				Str("tile", batch.Tile.String()).
				Int("painted", res.Painted).
				Int("total", res.Total).
				Int("attempts", res.Attempts).
				Msg("batch submitted")
			return res, nil
		}

		if !errors.Is(err, canvas.ErrAuthRejected) {
			return res, fmt.Errorf("%w: tile %s: %w", ErrHardFailure, batch.Tile, err)
		}
		if res.Attempts > 1 {
			return res, fmt.Errorf("%w: tile %s rejected after credential refresh: %w", ErrAuthFailure, batch.Tile, err)
		}

		logger.Info().Str("tile", batch.Tile.String()).Msg("credential rejected, refreshing")
		cred, err = e.authority.EnsureCredential(submitCtx, true)
		if err != nil {
			return res, fmt.Errorf("%w: %w", ErrAuthFailure, err)
		}
	}
}
