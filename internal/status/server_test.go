package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/mural/internal/reconcile"
	"github.com/dyluth/mural/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoop struct {
	mu         sync.Mutex
	status     reconcile.Status
	triggerErr error
	triggers   int
	stopped    bool
}

func (f *fakeLoop) Status() reconcile.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeLoop) TriggerAsync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers++
	return f.triggerErr
}

func (f *fakeLoop) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	f.status.State = reconcile.StateStopped
}

func setupServer(t *testing.T, loop *fakeLoop) (*Server, *miniredis.Miniredis) {
	t.Helper()
	store, mr := testutil.NewStore(t, "test-instance")
	return New(loop, store, func() int { return 4 }), mr
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	loop := &fakeLoop{status: reconcile.Status{State: reconcile.StateIdle}}
	s, mr := setupServer(t, loop)

	rec := do(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "connected", resp.Redis)
	assert.Equal(t, "idle", resp.Loop)

	mr.Close()
	rec = do(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "disconnected")
}

func TestHealthStoppedLoop(t *testing.T) {
	loop := &fakeLoop{status: reconcile.Status{State: reconcile.StateStopped}}
	s, _ := setupServer(t, loop)

	rec := do(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatus(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	retryAt := started.Add(2 * time.Minute)
	loop := &fakeLoop{status: reconcile.Status{
		State:   reconcile.StatePaused,
		RetryAt: retryAt,
		Last: &reconcile.Report{
			Session:    reconcile.Session{ID: "run-1", Trigger: reconcile.TriggerInterval, StartedAt: started, Scanned: 10, Damaged: 6},
			Outcome:    reconcile.OutcomePaused,
			FinishedAt: started.Add(time.Second),
			RetryIn:    120 * time.Second,
			Err:        errors.New("5 consecutive failures"),
		},
	}}
	s, _ := setupServer(t, loop)

	rec := do(t, s, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "paused", resp.State)
	require.NotNil(t, resp.RetryAt)
	assert.True(t, retryAt.Equal(*resp.RetryAt))
	assert.Equal(t, 4, resp.TilesCached)
	require.NotNil(t, resp.LastRun)
	assert.Equal(t, "run-1", resp.LastRun.ID)
	assert.Equal(t, "paused, retrying in 120s", resp.LastRun.Message)
}

func TestTrigger(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"started", nil, http.StatusAccepted},
		{"busy", reconcile.ErrBusy, http.StatusConflict},
		{"paused", reconcile.ErrPaused, http.StatusConflict},
		{"stopped", reconcile.ErrStopped, http.StatusGone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loop := &fakeLoop{triggerErr: tt.err}
			s, _ := setupServer(t, loop)

			rec := do(t, s, http.MethodPost, "/trigger")
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, 1, loop.triggers)
		})
	}
}

func TestTriggerRequiresPost(t *testing.T) {
	loop := &fakeLoop{}
	s, _ := setupServer(t, loop)

	rec := do(t, s, http.MethodGet, "/trigger")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, 0, loop.triggers)
}

func TestStop(t *testing.T) {
	loop := &fakeLoop{}
	s, _ := setupServer(t, loop)

	rec := do(t, s, http.MethodPost, "/stop")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, loop.stopped)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := setupServer(t, &fakeLoop{})

	rec := do(t, s, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}

func TestStartAndShutdown(t *testing.T) {
	s, _ := setupServer(t, &fakeLoop{})
	require.NoError(t, s.Start("127.0.0.1:0"))
	assert.NoError(t, s.Shutdown(context.Background()))
}
