package downloads

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vrsandeep/mangarr-go/internal/catalog/mockcatalog"
	"github.com/vrsandeep/mangarr-go/internal/models"
	"github.com/vrsandeep/mangarr-go/internal/storage"
	"github.com/vrsandeep/mangarr-go/internal/store"
	"github.com/vrsandeep/mangarr-go/internal/testutil"
)

const testSource = "mock"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type progressRecorder struct {
	mu      sync.Mutex
	updates []models.ProgressUpdate
}

func (r *progressRecorder) BroadcastJSON(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := v.(models.ProgressUpdate); ok {
		r.updates = append(r.updates, u)
	}
}

func (r *progressRecorder) Updates() []models.ProgressUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ProgressUpdate(nil), r.updates...)
}

// pageRoute describes how the test image server answers one path.
type pageRoute struct {
	body        string
	contentType string
	failures    int // the first n requests fail
	failStatus  int
	onHit       func(hit int)
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	st     *store.Store
	cat    *mockcatalog.Catalog
	files  *storage.Storage
	clock  *fakeClock
	events *progressRecorder
	server *httptest.Server
	svc    *Service

	mu     sync.Mutex
	routes map[string]*pageRoute
	hits   map[string]int
	sleeps []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		st:     store.New(testutil.SetupTestDB(t)),
		cat:    mockcatalog.New(),
		files:  storage.NewMemory(),
		clock:  &fakeClock{now: testutil.BaseTime.Add(time.Hour)},
		events: &progressRecorder{},
		routes: make(map[string]*pageRoute),
		hits:   make(map[string]int),
	}
	h.server = httptest.NewServer(http.HandlerFunc(h.servePage))
	t.Cleanup(h.server.Close)
	h.svc = h.newService(DefaultOptions())
	return h
}

// newService returns a service bound to the harness clock, image server and
// store. Several services may share one harness.
func (h *harness) newService(opts Options) *Service {
	opts.MaxAttempts = 3
	svc := NewService(h.st, h.cat, h.files, opts, h.events)
	svc.now = h.clock.Now
	svc.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	svc.client = h.server.Client()
	return svc
}

func (h *harness) servePage(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.hits[r.URL.Path]++
	hit := h.hits[r.URL.Path]
	route, ok := h.routes[r.URL.Path]
	h.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if route.onHit != nil {
		route.onHit(hit)
	}
	if hit <= route.failures {
		w.WriteHeader(route.failStatus)
		return
	}
	if route.contentType != "" {
		w.Header().Set("Content-Type", route.contentType)
	}
	fmt.Fprint(w, route.body)
}

func (h *harness) route(path string, r *pageRoute) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r.body == "" {
		r.body = "image:" + path
	}
	h.routes[path] = r
	return h.server.URL + path
}

func (h *harness) Hits(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hits[path]
}

func (h *harness) Sleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

// seed creates a title with n stored chapters and registers the title with
// the mock catalog.
func (h *harness) seed(titleURL, name string, n int) testutil.TitleFixture {
	h.t.Helper()
	fx := testutil.SeedTitle(h.t, h.st, testSource, titleURL, name, n)
	h.cat.SetTitle(testSource, titleURL, models.TitleMetadata{URL: titleURL, Title: name})
	h.cat.SetChapters(testSource, titleURL, testutil.RemoteChapters(titleURL, n))
	return fx
}

// servePages registers n good .jpg pages for a chapter and returns their
// server paths.
func (h *harness) servePages(chapter models.LibraryChapter, n int) []string {
	paths := make([]string, n)
	refs := make([]models.PageRef, n)
	for i := range n {
		paths[i] = fmt.Sprintf("/pages/%d/%d.jpg", chapter.ID, i)
		refs[i] = models.PageRef{
			Index:    i,
			URL:      fmt.Sprintf("%s#%d", chapter.ChapterURL, i),
			ImageURL: h.route(paths[i], &pageRoute{contentType: "image/jpeg"}),
		}
	}
	h.cat.SetPages(testSource, chapter.ChapterURL, refs)
	return paths
}

func (h *harness) enableProfile(titleID int64, strategy models.Strategy) *models.DownloadProfile {
	h.t.Helper()
	enabled, auto := true, true
	p, err := h.svc.UpdateProfile(h.ctx, titleID, models.DownloadProfileUpdate{
		Enabled:      &enabled,
		AutoDownload: &auto,
		Strategy:     &strategy,
	})
	require.NoError(h.t, err)
	return p
}

func (h *harness) task(id int64) *models.DownloadTask {
	h.t.Helper()
	task, err := h.st.GetTask(h.ctx, id)
	require.NoError(h.t, err)
	return task
}

func (h *harness) chapter(id int64) *models.LibraryChapter {
	h.t.Helper()
	ch, err := h.st.GetChapter(h.ctx, id)
	require.NoError(h.t, err)
	return ch
}

func (h *harness) enqueue(chapterID int64) *models.DownloadTask {
	h.t.Helper()
	res, err := h.svc.EnqueueChapter(h.ctx, chapterID, PriorityManual)
	require.NoError(h.t, err)
	return &res.Task
}
