package downloads

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vrsandeep/mangarr-go/internal/catalog"
	"github.com/vrsandeep/mangarr-go/internal/catalog/mockcatalog"
	"github.com/vrsandeep/mangarr-go/internal/models"
	"github.com/vrsandeep/mangarr-go/internal/store"
	"github.com/vrsandeep/mangarr-go/internal/testutil"
)

func TestRunMonitorOnceNewOnly(t *testing.T) {
	h := newHarness(t)
	fx := h.seed("/series/new", "Fresh Chapters", 0)
	h.enableProfile(fx.Title.ID, models.StrategyNewOnly)
	h.cat.SetChapters(testSource, "/series/new", testutil.RemoteChapters("/series/new", 3))

	res, err := h.svc.RunMonitorOnce(h.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CheckedTitles)
	assert.Equal(t, 3, res.EnqueuedTasks)

	tasks, err := h.svc.ListTasks(h.ctx, models.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		assert.Equal(t, models.TaskQueued, task.Status)
		assert.Equal(t, models.TriggerMonitor, task.Trigger)
		assert.Equal(t, PriorityMonitor, task.Priority)
	}

	profile, err := h.svc.GetProfile(h.ctx, fx.Title.ID)
	require.NoError(t, err)
	assert.NotNil(t, profile.LastCheckedAt)
	assert.NotNil(t, profile.LastSuccessAt)
	assert.Nil(t, profile.LastError)

	t.Run("rerun is idempotent", func(t *testing.T) {
		h.clock.Advance(time.Minute)
		res, err := h.svc.RunMonitorOnce(h.ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 0, res.EnqueuedTasks)

		chapters, err := h.st.ListChaptersForVariant(h.ctx, fx.Variant.ID)
		require.NoError(t, err)
		assert.Len(t, chapters, 3)
	})

	t.Run("only the new chapter is queued", func(t *testing.T) {
		h.cat.SetChapters(testSource, "/series/new", testutil.RemoteChapters("/series/new", 4))
		res, err := h.svc.RunMonitorOnce(h.ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, res.EnqueuedTasks)
	})
}

func TestRunMonitorOnceAutoDownloadOff(t *testing.T) {
	h := newHarness(t)
	fx := h.seed("/series/manual", "Manual Only", 0)
	enabled, auto := true, false
	_, err := h.svc.UpdateProfile(h.ctx, fx.Title.ID, models.DownloadProfileUpdate{Enabled: &enabled, AutoDownload: &auto})
	require.NoError(t, err)
	h.cat.SetChapters(testSource, "/series/manual", testutil.RemoteChapters("/series/manual", 2))

	res, err := h.svc.RunMonitorOnce(h.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CheckedTitles)
	assert.Equal(t, 0, res.EnqueuedTasks)

	chapters, err := h.st.ListChaptersForVariant(h.ctx, fx.Variant.ID)
	require.NoError(t, err)
	assert.Len(t, chapters, 2, "chapters are still synced")
}

func TestRunMonitorOnceAllUnreadWithStartFrom(t *testing.T) {
	h := newHarness(t)
	fx := h.seed("/series/backlog", "Backlog", 4)
	require.NoError(t, h.st.SetChapterRead(h.ctx, fx.Chapters[3].ID, true, h.clock.Now()))

	// Chapters are uploaded at BaseTime + n days; only 3 and 4 qualify and 4
	// is already read.
	startFrom := testutil.BaseTime.AddDate(0, 0, 3)
	strategy := models.StrategyAllUnread
	enabled := true
	_, err := h.svc.UpdateProfile(h.ctx, fx.Title.ID, models.DownloadProfileUpdate{
		Enabled:   &enabled,
		Strategy:  &strategy,
		StartFrom: models.Nullable[time.Time]{Set: true, Value: &startFrom},
	})
	require.NoError(t, err)

	res, err := h.svc.RunMonitorOnce(h.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EnqueuedTasks)

	tasks, err := h.svc.ListTasks(h.ctx, models.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, fx.Chapters[2].ID, tasks[0].ChapterID)
}

func TestRunMonitorOnceIsolatesFailures(t *testing.T) {
	h := newHarness(t)
	broken := h.seed("/series/broken", "Broken Source", 0)
	healthy := h.seed("/series/healthy", "Healthy Source", 0)
	h.enableProfile(broken.Title.ID, models.StrategyNewOnly)
	h.enableProfile(healthy.Title.ID, models.StrategyNewOnly)
	h.cat.SetChapters(testSource, "/series/broken", testutil.RemoteChapters("/series/broken", 2))
	h.cat.SetChapters(testSource, "/series/healthy", testutil.RemoteChapters("/series/healthy", 2))
	h.cat.Fail(mockcatalog.OpTitleDetails, "/series/broken", &catalog.RemoteError{
		Kind: catalog.KindUnavailable, Op: mockcatalog.OpTitleDetails, Message: "bridge offline",
	}, 1)

	res, err := h.svc.RunMonitorOnce(h.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.CheckedTitles)
	assert.Equal(t, 2, res.EnqueuedTasks)

	failed, err := h.svc.GetProfile(h.ctx, broken.Title.ID)
	require.NoError(t, err)
	require.NotNil(t, failed.LastError)
	assert.Contains(t, *failed.LastError, "bridge offline")
	assert.NotNil(t, failed.LastCheckedAt)
	assert.Nil(t, failed.LastSuccessAt)
	assert.True(t, failed.Enabled)

	ok, err := h.svc.GetProfile(h.ctx, healthy.Title.ID)
	require.NoError(t, err)
	assert.Nil(t, ok.LastError)

	t.Run("recovers on the next pass", func(t *testing.T) {
		h.clock.Advance(time.Minute)
		res, err := h.svc.RunMonitorOnce(h.ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 2, res.EnqueuedTasks)

		p, err := h.svc.GetProfile(h.ctx, broken.Title.ID)
		require.NoError(t, err)
		assert.Nil(t, p.LastError)
		assert.NotNil(t, p.LastSuccessAt)
	})
}

func TestRunMonitorOnceRemovesStaleChapters(t *testing.T) {
	h := newHarness(t)
	fx := h.seed("/series/shrinking", "Shrinking", 3)
	h.enableProfile(fx.Title.ID, models.StrategyNewOnly)

	queued := h.enqueue(fx.Chapters[1].ID)
	downloaded := fx.Chapters[2]
	dir := "3-Shrinking/3-chapter-3"
	require.NoError(t, h.files.MkdirAll(dir))
	_, err := h.files.WriteFile(dir+"/0000.jpg", strings.NewReader("img"))
	require.NoError(t, err)
	_, err = h.files.WriteFile(dir+".cbz", strings.NewReader("zip"))
	require.NoError(t, err)
	require.NoError(t, h.st.MarkChapterDownloaded(h.ctx, downloaded.ID, dir, h.clock.Now()))

	h.cat.SetChapters(testSource, "/series/shrinking", testutil.RemoteChapters("/series/shrinking", 1))
	_, err = h.svc.RunMonitorOnce(h.ctx, 10)
	require.NoError(t, err)

	chapters, err := h.st.ListChaptersForVariant(h.ctx, fx.Variant.ID)
	require.NoError(t, err)
	require.Len(t, chapters, 1)
	assert.Equal(t, fx.Chapters[0].ID, chapters[0].ID)

	_, err = h.st.GetTask(h.ctx, queued.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "active tasks of removed chapters are deleted")

	_, found, err := h.files.Size(dir + "/0000.jpg")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = h.files.Size(dir + ".cbz")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRunMonitorOnceWithoutVariant(t *testing.T) {
	h := newHarness(t)
	title, err := h.st.CreateTitle(h.ctx, "lonely", "Lonely", testutil.BaseTime)
	require.NoError(t, err)
	h.enableProfile(title.ID, models.StrategyNewOnly)

	res, err := h.svc.RunMonitorOnce(h.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CheckedTitles)

	p, err := h.svc.GetProfile(h.ctx, title.ID)
	require.NoError(t, err)
	require.NotNil(t, p.LastError)
	assert.Equal(t, errNoVariants.Error(), *p.LastError)
	assert.True(t, p.Enabled)
}

func TestRunMonitorOnceDisablesOrphanProfile(t *testing.T) {
	h := newHarness(t)
	p, err := h.st.GetOrCreateProfile(h.ctx, 777, h.clock.Now())
	require.NoError(t, err)
	p.Enabled = true
	require.NoError(t, h.st.SaveProfile(h.ctx, p, h.clock.Now()))

	res, err := h.svc.RunMonitorOnce(h.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CheckedTitles)

	got, err := h.st.GetProfileByTitle(h.ctx, 777)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "Library title not found", *got.LastError)
}

func TestRunMonitorOnceLimit(t *testing.T) {
	h := newHarness(t)
	for _, limit := range []int{0, -1, MaxMonitorLimit + 1} {
		_, err := h.svc.RunMonitorOnce(h.ctx, limit)
		assert.ErrorIs(t, err, ErrInvalidInput, "limit %d", limit)
	}

	a := h.seed("/series/a", "Alpha", 0)
	b := h.seed("/series/b", "Beta", 0)
	h.enableProfile(a.Title.ID, models.StrategyNewOnly)
	h.enableProfile(b.Title.ID, models.StrategyNewOnly)

	res, err := h.svc.RunMonitorOnce(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CheckedTitles)
}

func TestRunMonitorOnceStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	fx := h.seed("/series/stop", "Stop", 0)
	h.enableProfile(fx.Title.ID, models.StrategyNewOnly)

	ctx, cancel := context.WithCancel(h.ctx)
	cancel()
	_, err := h.svc.RunMonitorOnce(ctx, 10)
	assert.ErrorIs(t, err, context.Canceled)
}
