// Package testutil builds isolated mural environments for command tests:
// a miniredis instance, a fake paint authority and config files in a temp
// directory.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/mural/pkg/canvas"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// Palette used by the environment's session.
var (
	White = canvas.RGBA{R: 255, G: 255, B: 255, A: 255}
	Red   = canvas.RGBA{R: 237, G: 28, B: 36, A: 255}

	paletteRGBA = map[int]canvas.RGBA{5: White, 7: Red}
)

// Anchor places the environment's 2x2 target near the top-left of tile (0,0).
var Anchor = canvas.Anchor{LocalX: 10, LocalY: 10}

// Submission is one batch received by the fake authority.
type Submission struct {
	Tile   canvas.TileKey
	Colors []int
	Coords []int
	Token  string
}

// FakeAuthority implements the paint authority's HTTP contract. Accepted
// pixels are painted into the environment's stored tiles.
type FakeAuthority struct {
	Server *httptest.Server

	mu          sync.Mutex
	budget      canvas.BudgetState
	submissions []Submission
	store       *canvas.Store
}

// Submissions returns a copy of the batches received so far.
func (f *FakeAuthority) Submissions() []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Submission(nil), f.submissions...)
}

// SetBudget replaces the reported write budget.
func (f *FakeAuthority) SetBudget(b canvas.BudgetState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.budget = b
}

func (f *FakeAuthority) handleMe(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	b := f.budget
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"charges":{"count":%d,"max":%d,"cooldownMs":%d}}`, b.Count, b.Max, b.Cooldown.Milliseconds())
}

func (f *FakeAuthority) handlePixel(w http.ResponseWriter, r *http.Request) {
	x, errX := strconv.Atoi(chi.URLParam(r, "x"))
	y, errY := strconv.Atoi(chi.URLParam(r, "y"))
	if errX != nil || errY != nil {
		http.Error(w, "bad tile", http.StatusBadRequest)
		return
	}

	var req struct {
		Colors []int  `json:"colors"`
		Coords []int  `json:"coords"`
		Token  string `json:"t"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Coords) != 2*len(req.Colors) {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}

	key := canvas.TileKey{X: x, Y: y}
	f.mu.Lock()
	f.submissions = append(f.submissions, Submission{Tile: key, Colors: req.Colors, Coords: req.Coords, Token: req.Token})
	f.budget.Count -= len(req.Colors)
	if f.budget.Count < 0 {
		f.budget.Count = 0
	}
	f.mu.Unlock()

	if err := f.paint(r.Context(), key, req.Colors, req.Coords); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"painted":%d}`, len(req.Colors))
}

func (f *FakeAuthority) paint(ctx context.Context, key canvas.TileKey, colors, coords []int) error {
	snap, err := f.store.GetTile(ctx, key)
	if canvas.IsNotFound(err) {
		snap, err = canvas.NewTileSnapshot(), nil
	}
	if err != nil {
		return err
	}
	for i, id := range colors {
		snap.Set(coords[2*i], coords[2*i+1], paletteRGBA[id])
	}
	return f.store.PutTile(ctx, key, snap)
}

// Environment is an isolated mural setup.
type Environment struct {
	T          *testing.T
	Dir        string
	ConfigPath string
	Instance   string
	Redis      *miniredis.Miniredis
	Store      *canvas.Store
	Authority  *FakeAuthority
}

// Option adjusts the generated mural.yml.
type Option func(*envConfig)

type envConfig struct {
	extraYAML string
}

// WithYAML appends raw YAML to mural.yml, e.g. a reconcile section.
func WithYAML(s string) Option {
	return func(c *envConfig) { c.extraYAML += s }
}

// NewStore returns a store backed by a fresh miniredis instance.
func NewStore(t *testing.T, instance string) (*canvas.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	store, err := canvas.NewStore(&redis.Options{Addr: mr.Addr()}, instance)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

// SetupEnvironment writes mural.yml, session.yml and a 2x2 target.png
// (red, white / white, red) into a temp directory and starts the backing
// services. The authority reports a budget of 100 of 100.
func SetupEnvironment(t *testing.T, opts ...Option) *Environment {
	t.Helper()
	var cfg envConfig
	for _, o := range opts {
		o(&cfg)
	}

	dir := t.TempDir()
	instance := instanceName(t.Name())
	store, mr := NewStore(t, instance)

	fake := &FakeAuthority{budget: canvas.BudgetState{Count: 100, Max: 100}, store: store}
	r := chi.NewRouter()
	r.Get("/me", fake.handleMe)
	r.Post("/s0/pixel/{x}/{y}", fake.handlePixel)
	fake.Server = httptest.NewServer(r)
	t.Cleanup(fake.Server.Close)

	muralYML := fmt.Sprintf(`version: "1.0"
instance: %s
redis_url: redis://%s/0
authority:
  base_url: %s
  token: test-token
status:
  addr: "127.0.0.1:0"
%s`, instance, mr.Addr(), fake.Server.URL, cfg.extraYAML)

	sessionYML := fmt.Sprintf(`version: 2
image: target.png
anchor:
  tile_x: %d
  tile_y: %d
  local_x: %d
  local_y: %d
palette:
  - id: 0
    transparent: true
  - id: 5
    hex: "#ffffff"
  - id: 7
    hex: "#ed1c24"
`, Anchor.TileX, Anchor.TileY, Anchor.LocalX, Anchor.LocalY)

	configPath := filepath.Join(dir, "mural.yml")
	require.NoError(t, os.WriteFile(configPath, []byte(muralYML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session.yml"), []byte(sessionYML), 0o644))
	writeTarget(t, filepath.Join(dir, "target.png"))

	return &Environment{
		T:          t,
		Dir:        dir,
		ConfigPath: configPath,
		Instance:   instance,
		Redis:      mr,
		Store:      store,
		Authority:  fake,
	}
}

var nonName = regexp.MustCompile(`[^a-z0-9]+`)

// instanceName derives a valid, unique-per-test instance name.
func instanceName(testName string) string {
	name := "test-" + nonName.ReplaceAllString(strings.ToLower(testName), "-")
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.Trim(name, "-")
}

// SeedTile stores a tile with the given pixels (tile-local coordinates).
func (e *Environment) SeedTile(key canvas.TileKey, pixels map[image.Point]canvas.RGBA) {
	e.T.Helper()
	snap := canvas.NewTileSnapshot()
	for p, c := range pixels {
		snap.Set(p.X, p.Y, c)
	}
	require.NoError(e.T, e.Store.PutTile(context.Background(), key, snap))
}

// SeedIntact stores tile (0,0) with the target painted correctly.
func (e *Environment) SeedIntact() {
	e.SeedTile(canvas.TileKey{}, map[image.Point]canvas.RGBA{
		{X: Anchor.LocalX, Y: Anchor.LocalY}:         Red,
		{X: Anchor.LocalX + 1, Y: Anchor.LocalY}:     White,
		{X: Anchor.LocalX, Y: Anchor.LocalY + 1}:     White,
		{X: Anchor.LocalX + 1, Y: Anchor.LocalY + 1}: Red,
	})
}

func writeTarget(t *testing.T, path string) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	red := color.NRGBA{R: Red.R, G: Red.G, B: Red.B, A: 255}
	white := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	img.SetNRGBA(0, 0, red)
	img.SetNRGBA(1, 0, white)
	img.SetNRGBA(0, 1, white)
	img.SetNRGBA(1, 1, red)

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}
