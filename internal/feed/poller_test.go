package feed

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/dyluth/mural/internal/testutil"
	"github.com/dyluth/mural/pkg/canvas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeTile(t *testing.T, size int, set func(img *image.NRGBA)) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	if set != nil {
		set(img)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func setupStore(t *testing.T) *canvas.Store {
	t.Helper()
	store, _ := testutil.NewStore(t, "test-instance")
	return store
}

func staticKeys(keys ...canvas.TileKey) KeySource {
	return func(ctx context.Context) ([]canvas.TileKey, error) { return keys, nil }
}

func TestDecode(t *testing.T) {
	data := encodeTile(t, canvas.TileSize, func(img *image.NRGBA) {
		img.SetNRGBA(5, 7, color.NRGBA{R: 237, G: 28, B: 36, A: 255})
	})

	snap, err := Decode(bytes.NewReader(data))
	require.NoError(t, err)
	require.NoError(t, snap.Validate())
	assert.Equal(t, canvas.RGBA{R: 237, G: 28, B: 36, A: 255}, snap.At(5, 7))
	assert.Equal(t, canvas.RGBA{}, snap.At(0, 0))
}

func TestDecodeRejectsWrongSize(t *testing.T) {
	_, err := Decode(bytes.NewReader(encodeTile(t, 10, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected tile size")

	_, err = Decode(bytes.NewReader([]byte("not a png")))
	assert.Error(t, err)
}

func TestPollOnceStoresTiles(t *testing.T) {
	tile := encodeTile(t, canvas.TileSize, func(img *image.NRGBA) {
		img.SetNRGBA(1, 1, color.NRGBA{R: 40, G: 80, B: 158, A: 255})
	})

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/4/-2.png":
			if r.Header.Get("If-None-Match") == `"v1"` {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("ETag", `"v1"`)
			w.Write(tile)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	store := setupStore(t)
	p, err := New(Options{TilesURL: srv.URL}, staticKeys(canvas.TileKey{X: 4, Y: -2}, canvas.TileKey{X: 5, Y: -2}), store)
	require.NoError(t, err)
	ctx := context.Background()

	stored, err := p.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stored)

	got, err := store.GetTile(ctx, canvas.TileKey{X: 4, Y: -2})
	require.NoError(t, err)
	assert.Equal(t, canvas.RGBA{R: 40, G: 80, B: 158, A: 255}, got.At(1, 1))

	blank, err := store.GetTile(ctx, canvas.TileKey{X: 5, Y: -2})
	require.NoError(t, err)
	assert.Equal(t, canvas.RGBA{}, blank.At(1, 1), "missing tile is stored as blank")

	// Second round: the tagged tile is unchanged, the untagged one is refetched.
	stored, err = p.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stored)
	assert.Equal(t, int32(4), hits.Load())
}

func TestPollOnceReportsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/0/0.png" {
			w.Write(encodeTile(t, 20, nil))
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	store := setupStore(t)
	p, err := New(Options{TilesURL: srv.URL}, staticKeys(canvas.TileKey{}, canvas.TileKey{X: 1}), store)
	require.NoError(t, err)

	stored, err := p.PollOnce(context.Background())
	assert.Equal(t, 0, stored)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected tile size")
	assert.Contains(t, err.Error(), "status 500")

	_, err = store.GetTile(context.Background(), canvas.TileKey{})
	assert.True(t, canvas.IsNotFound(err))
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Options{}, staticKeys(), nil)
	assert.Error(t, err)
}
