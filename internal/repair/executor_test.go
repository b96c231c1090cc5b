package repair

import (
	"context"
	"errors"
	"testing"

	"github.com/dyluth/mural/pkg/canvas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAuthority answers submissions from a queue of errors; a nil entry
// paints the whole batch.
type fakeAuthority struct {
	submitErrs []error
	credErr    error
	painted    int // when > 0, overrides the painted count

	submits   int
	ensures   []bool
	lastToken string
	submitCtx context.Context
}

func (f *fakeAuthority) EnsureCredential(ctx context.Context, force bool) (*canvas.Credential, error) {
	f.ensures = append(f.ensures, force)
	if f.credErr != nil {
		return nil, f.credErr
	}
	token := "token-1"
	if force {
		token = "token-2"
	}
	return &canvas.Credential{Token: token}, nil
}

func (f *fakeAuthority) SubmitBatch(ctx context.Context, tile canvas.TileKey, pixels []canvas.DamagedPixel, cred *canvas.Credential) (canvas.SubmitResult, error) {
	f.submits++
	f.lastToken = cred.Token
	f.submitCtx = ctx

	var err error
	if len(f.submitErrs) > 0 {
		err, f.submitErrs = f.submitErrs[0], f.submitErrs[1:]
	}
	if err != nil {
		return canvas.SubmitResult{}, err
	}
	painted := len(pixels)
	if f.painted > 0 {
		painted = f.painted
	}
	return canvas.SubmitResult{Painted: painted, Total: len(pixels)}, nil
}

func (f *fakeAuthority) Budget(ctx context.Context) (canvas.BudgetState, error) {
	return canvas.BudgetState{}, nil
}

func testBatch(n int) canvas.Batch {
	b := canvas.Batch{Tile: canvas.TileKey{X: 2, Y: 3}}
	for i := 0; i < n; i++ {
		b.Pixels = append(b.Pixels, canvas.DamagedPixel{TileX: 2, TileY: 3, PixelX: i, Expected: 8})
	}
	return b
}

func TestExecuteSuccess(t *testing.T) {
	auth := &fakeAuthority{}
	res, err := New(auth).Execute(context.Background(), testBatch(4))

	require.NoError(t, err)
	assert.Equal(t, Result{Painted: 4, Total: 4, Attempts: 1}, res)
	assert.False(t, res.Partial())
	assert.Equal(t, []bool{false}, auth.ensures)
}

func TestExecutePartial(t *testing.T) {
	auth := &fakeAuthority{painted: 3}
	res, err := New(auth).Execute(context.Background(), testBatch(5))

	require.NoError(t, err)
	assert.True(t, res.Partial())
	assert.Equal(t, 3, res.Painted)
}

func TestExecuteRetriesOnceWithFreshCredential(t *testing.T) {
	auth := &fakeAuthority{submitErrs: []error{canvas.ErrAuthRejected}}
	res, err := New(auth).Execute(context.Background(), testBatch(2))

	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []bool{false, true}, auth.ensures)
	assert.Equal(t, "token-2", auth.lastToken)
}

func TestExecuteAuthRejectedTwice(t *testing.T) {
	auth := &fakeAuthority{submitErrs: []error{canvas.ErrAuthRejected, canvas.ErrAuthRejected, canvas.ErrAuthRejected}}
	res, err := New(auth).Execute(context.Background(), testBatch(2))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthFailure)
	assert.ErrorIs(t, err, canvas.ErrAuthRejected)
	assert.Equal(t, 2, auth.submits, "exactly one retry")
	assert.Equal(t, 2, res.Attempts)
}

func TestExecuteCredentialUnavailable(t *testing.T) {
	auth := &fakeAuthority{credErr: errors.New("token command failed")}
	_, err := New(auth).Execute(context.Background(), testBatch(1))

	assert.ErrorIs(t, err, ErrAuthFailure)
	assert.Equal(t, 0, auth.submits)
}

func TestExecuteHardFailure(t *testing.T) {
	boom := errors.New("503 service unavailable")
	auth := &fakeAuthority{submitErrs: []error{boom}}
	_, err := New(auth).Execute(context.Background(), testBatch(1))

	assert.ErrorIs(t, err, ErrHardFailure)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrAuthFailure)
	assert.Equal(t, 1, auth.submits)
}

func TestExecuteIgnoresCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	auth := &fakeAuthority{}
	res, err := New(auth).Execute(ctx, testBatch(3))

	require.NoError(t, err)
	assert.Equal(t, 3, res.Painted)
	assert.NoError(t, auth.submitCtx.Err(), "submission context is detached from stop")
}

func TestExecuteEmptyBatch(t *testing.T) {
	auth := &fakeAuthority{}
	res, err := New(auth).Execute(context.Background(), canvas.Batch{})

	require.NoError(t, err)
	assert.Equal(t, 0, res.Attempts)
	assert.Equal(t, 0, auth.submits)
}
