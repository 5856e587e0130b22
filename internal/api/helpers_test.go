package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vrsandeep/mangarr-go/internal/api"
	"github.com/vrsandeep/mangarr-go/internal/catalog/mockcatalog"
	"github.com/vrsandeep/mangarr-go/internal/config"
	"github.com/vrsandeep/mangarr-go/internal/core"
	"github.com/vrsandeep/mangarr-go/internal/downloads"
	"github.com/vrsandeep/mangarr-go/internal/jobs"
	"github.com/vrsandeep/mangarr-go/internal/storage"
	"github.com/vrsandeep/mangarr-go/internal/store"
	"github.com/vrsandeep/mangarr-go/internal/testutil"
)

// fakeJobs stands in for the scheduler.
type fakeJobs struct {
	mu      sync.Mutex
	running map[string]bool
	ran     []string
}

func (f *fakeJobs) Status() []jobs.JobStatus {
	return []jobs.JobStatus{
		{Name: "downloads-monitor", Status: jobs.StatusIdle, Interval: "15m0s"},
		{Name: "downloads-worker", Status: jobs.StatusRunning, Interval: "20s"},
	}
}

func (f *fakeJobs) RunNow(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case name != "downloads-monitor" && name != "downloads-worker":
		return fmt.Errorf("job '%s': %w", name, jobs.ErrJobUnknown)
	case f.running[name]:
		return fmt.Errorf("job '%s': %w", name, jobs.ErrJobRunning)
	}
	f.ran = append(f.ran, name)
	return nil
}

type testServer struct {
	server *api.Server
	router http.Handler
	store  *store.Store
	svc    *downloads.Service
	cat    *mockcatalog.Catalog
	jobs   *fakeJobs
}

// setupTestServer wires an api.Server over an in-memory database, the mock
// catalog and in-memory storage.
func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	db := testutil.SetupTestDB(t)

	cfg := &config.Config{}
	cfg.CORS.AllowedOrigins = []string{"*"}
	app := core.NewWith(cfg, db)
	hub := app.WsHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	st := store.New(db)
	cat := mockcatalog.New()
	opts := downloads.DefaultOptions()
	opts.MaxAttempts = 3
	svc := downloads.NewService(st, cat, storage.NewMemory(), opts, hub)
	runner := &fakeJobs{running: map[string]bool{"downloads-worker": true}}

	server := api.NewServer(app, svc, runner)
	return &testServer{server: server, router: server.Router(), store: st, svc: svc, cat: cat, jobs: runner}
}

func (ts *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	return ts.doWithContext(t, context.Background(), method, target, body)
}

func (ts *testServer) doWithContext(t *testing.T, ctx context.Context, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequestWithContext(ctx, method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func errorMessage(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]string](t, rr)["error"]
}
