package downloads

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vrsandeep/mangarr-go/internal/catalog/mockcatalog"
	"github.com/vrsandeep/mangarr-go/internal/models"
	"github.com/vrsandeep/mangarr-go/internal/testutil"
	"github.com/vrsandeep/mangarr-go/internal/util"
	"golang.org/x/sync/errgroup"
)

func chapterDir(fx testutil.TitleFixture, ch models.LibraryChapter) string {
	return util.ChapterPath(fx.Title.ID, fx.Title.Title, ch.ID, ch.Name)
}

func TestRunWorkerOnceDownloadsChapter(t *testing.T) {
	h := newHarness(t)
	fx := h.seed("/series/ok", "Happy Path", 1)
	ch := fx.Chapters[0]
	h.cat.SetPages(testSource, ch.ChapterURL, []models.PageRef{
		{Index: 0, URL: ch.ChapterURL + "#0", ImageURL: h.route("/img/a.jpg", &pageRoute{contentType: "image/jpeg"})},
		{Index: 1, URL: ch.ChapterURL + "#1", ImageURL: h.route("/img/b.png", &pageRoute{})},
		{Index: 2, URL: ch.ChapterURL + "#2", ImageURL: h.route("/img/c", &pageRoute{contentType: "image/webp"})},
	})
	task := h.enqueue(ch.ID)

	res, err := h.svc.RunWorkerOnce(h.ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ProcessedTasks)

	dir := chapterDir(fx, ch)
	got := h.task(task.ID)
	assert.Equal(t, models.TaskCompleted, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, 3, got.DownloadedPages)
	assert.Equal(t, 3, got.TotalPages)
	require.NotNil(t, got.OutputDir)
	assert.Equal(t, dir, *got.OutputDir)
	assert.NotNil(t, got.FinishedAt)
	assert.Nil(t, got.Error)
	assert.Nil(t, got.ClaimedBy)

	stored := h.chapter(ch.ID)
	assert.True(t, stored.IsDownloaded)
	require.NotNil(t, stored.DownloadPath)
	assert.Equal(t, dir, *stored.DownloadPath)

	for _, name := range []string{"0000.jpg", "0001.png", "0002.webp"} {
		size, ok, err := h.files.Size(path.Join(dir, name))
		require.NoError(t, err)
		assert.True(t, ok, name)
		assert.Positive(t, size, name)
	}
	_, ok, err := h.files.Size(path.Join(dir, "0002.jpg"))
	require.NoError(t, err)
	assert.False(t, ok, "page renamed to match its content type")

	pages, err := h.st.ListChapterPages(h.ctx, ch.ID)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	for _, p := range pages {
		require.NotNil(t, p.LocalPath)
		assert.Equal(t, dir, path.Dir(*p.LocalPath))
	}

	updates := h.events.Updates()
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Equal(t, models.TaskCompleted, last.Status)
	assert.True(t, last.Done)
	assert.InDelta(t, 100.0, last.Progress, 0.001)
}

func TestRunWorkerOnceClaimsByPriority(t *testing.T) {
	h := newHarness(t)
	fx := h.seed("/series/prio", "Priorities", 3)
	for _, ch := range fx.Chapters {
		h.servePages(ch, 1)
	}
	low, err := h.svc.EnqueueChapter(h.ctx, fx.Chapters[0].ID, PriorityManual)
	require.NoError(t, err)
	high, err := h.svc.EnqueueChapterIfNeeded(h.ctx, fx.Chapters[1].ID, models.TriggerMonitor, PriorityMonitor)
	require.NoError(t, err)
	mid, err := h.svc.EnqueueChapter(h.ctx, fx.Chapters[2].ID, PriorityEnqueueMissing)
	require.NoError(t, err)

	_, err = h.svc.RunWorkerOnce(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, h.task(high.Task.ID).Status)
	assert.Equal(t, models.TaskQueued, h.task(mid.Task.ID).Status)
	assert.Equal(t, models.TaskQueued, h.task(low.Task.ID).Status)

	_, err = h.svc.RunWorkerOnce(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, h.task(mid.Task.ID).Status)
	assert.Equal(t, models.TaskQueued, h.task(low.Task.ID).Status)
}

func TestRunWorkerOnceBatchSize(t *testing.T) {
	h := newHarness(t)
	for _, n := range []int{-1, MaxWorkerBatchSize + 1} {
		_, err := h.svc.RunWorkerOnce(h.ctx, n)
		assert.ErrorIs(t, err, ErrInvalidInput, "batch %d", n)
	}

	fx := h.seed("/series/batch", "Batch", 5)
	for _, ch := range fx.Chapters {
		h.servePages(ch, 1)
		h.enqueue(ch.ID)
	}

	res, err := h.svc.RunWorkerOnce(h.ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions().WorkerBatchSize, res.ProcessedTasks)

	res, err = h.svc.RunWorkerOnce(h.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ProcessedTasks, "the batch stops when the queue is empty")
}

func TestRunWorkerOnceRetriesWithBackoff(t *testing.T) {
	h := newHarness(t)
	fx := h.seed("/series/flaky", "Flaky", 1)
	ch := fx.Chapters[0]
	h.cat.SetPages(testSource, ch.ChapterURL, []models.PageRef{
		{Index: 0, ImageURL: h.route("/img/broken.jpg", &pageRoute{failures: 1000, failStatus: 500})},
	})
	task := h.enqueue(ch.ID)

	// Attempt 1 of 3.
	start := h.clock.Now()
	_, err := h.svc.RunWorkerOnce(h.ctx, 1)
	require.NoError(t, err)

	got := h.task(task.ID)
	assert.Equal(t, models.TaskQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.WithinDuration(t, start.Add(30*time.Second), got.AvailableAt, time.Second)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "unexpected status 500")
	assert.Equal(t, 3, h.Hits("/img/broken.jpg"), "one try plus two page retries")
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, h.Sleeps())
	firstDelay := got.AvailableAt.Sub(start)

	res, err := h.svc.RunWorkerOnce(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ProcessedTasks, "not eligible before available_at")

	// Attempt 2 of 3.
	h.clock.Advance(30 * time.Second)
	second := h.clock.Now()
	_, err = h.svc.RunWorkerOnce(h.ctx, 1)
	require.NoError(t, err)
	got = h.task(task.ID)
	assert.Equal(t, models.TaskQueued, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Greater(t, got.AvailableAt.Sub(second), firstDelay)

	// Attempt 3 of 3 is the last one.
	h.clock.Advance(time.Minute)
	_, err = h.svc.RunWorkerOnce(h.ctx, 1)
	require.NoError(t, err)
	got = h.task(task.ID)
	assert.Equal(t, models.TaskFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.NotNil(t, got.FinishedAt)

	stored := h.chapter(ch.ID)
	assert.False(t, stored.IsDownloaded)
	require.NotNil(t, stored.DownloadError)
	assert.Contains(t, *stored.DownloadError, "500")
}

func TestRunWorkerOnceDoesNotRetryClientErrors(t *testing.T) {
	h := newHarness(t)
	fx := h.seed("/series/gone", "Gone Page", 1)
	ch := fx.Chapters[0]
	h.cat.SetPages(testSource, ch.ChapterURL, []models.PageRef{
		{Index: 0, ImageURL: h.route("/img/forbidden.jpg", &pageRoute{failures: 1000, failStatus: 403})},
	})
	task := h.enqueue(ch.ID)

	_, err := h.svc.RunWorkerOnce(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Hits("/img/forbidden.jpg"))
	assert.Empty(t, h.Sleeps())
	assert.Equal(t, models.TaskQueued, h.task(task.ID).Status, "the task still retries later")
}

func TestConcurrentWorkersNeverShareATask(t *testing.T) {
	h := newHarness(t)
	fx := h.seed("/series/shared", "Shared Queue", 8)
	var paths []string
	for _, ch := range fx.Chapters {
		paths = append(paths, h.servePages(ch, 1)...)
		h.enqueue(ch.ID)
	}

	first, second := h.svc, h.newService(DefaultOptions())
	var g errgroup.Group
	var processed [2]int
	for i, svc := range []*Service{first, second} {
		g.Go(func() error {
			res, err := svc.RunWorkerOnce(h.ctx, MaxWorkerBatchSize)
			if err != nil {
				return err
			}
			processed[i] = res.ProcessedTasks
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 8, processed[0]+processed[1])
	for _, p := range paths {
		assert.Equal(t, 1, h.Hits(p), p)
	}
	tasks, err := h.svc.ListTasks(h.ctx, models.TaskFilter{})
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, models.TaskCompleted, task.Status)
		assert.Equal(t, 1, task.Attempts)
	}
}

func TestCancelStopsRunningDownload(t *testing.T) {
	h := newHarness(t)
	fx := h.seed("/series/cancel", "Cancel Me", 1)
	ch := fx.Chapters[0]
	task := h.enqueue(ch.ID)
	h.cat.SetPages(testSource, ch.ChapterURL, []models.PageRef{
		{Index: 0, ImageURL: h.route("/img/0.jpg", &pageRoute{onHit: func(int) {
			_, err := h.svc.CancelTask(context.Background(), task.ID)
			assert.NoError(t, err)
		}})},
		{Index: 1, ImageURL: h.route("/img/1.jpg", &pageRoute{})},
	})

	_, err := h.svc.RunWorkerOnce(h.ctx, 1)
	require.NoError(t, err)

	got := h.task(task.ID)
	assert.Equal(t, models.TaskCancelled, got.Status)
	assert.Equal(t, 0, h.Hits("/img/1.jpg"))
	assert.False(t, h.chapter(ch.ID).IsDownloaded)
}

func TestRunWorkerOnceChapterStates(t *testing.T) {
	t.Run("deleted chapter cancels the task", func(t *testing.T) {
		h := newHarness(t)
		fx := h.seed("/series/deleted", "Deleted", 1)
		task := h.enqueue(fx.Chapters[0].ID)
		_, err := h.st.DB().ExecContext(h.ctx, "DELETE FROM library_chapters WHERE id = ?", fx.Chapters[0].ID)
		require.NoError(t, err)

		_, err = h.svc.RunWorkerOnce(h.ctx, 1)
		require.NoError(t, err)
		got := h.task(task.ID)
		assert.Equal(t, models.TaskCancelled, got.Status)
		require.NotNil(t, got.Error)
		assert.Equal(t, "Chapter no longer exists", *got.Error)
	})

	t.Run("already downloaded chapter completes without fetching", func(t *testing.T) {
		h := newHarness(t)
		fx := h.seed("/series/done", "Done", 1)
		task := h.enqueue(fx.Chapters[0].ID)
		require.NoError(t, h.st.MarkChapterDownloaded(h.ctx, fx.Chapters[0].ID, "elsewhere", h.clock.Now()))

		_, err := h.svc.RunWorkerOnce(h.ctx, 1)
		require.NoError(t, err)
		got := h.task(task.ID)
		assert.Equal(t, models.TaskCompleted, got.Status)
		require.NotNil(t, got.OutputDir)
		assert.Equal(t, "elsewhere", *got.OutputDir)
		assert.Equal(t, 0, h.cat.Calls(mockcatalog.OpChapterPages))
	})

	t.Run("empty page list is retried", func(t *testing.T) {
		h := newHarness(t)
		fx := h.seed("/series/empty", "Empty", 1)
		h.cat.SetPages(testSource, fx.Chapters[0].ChapterURL, nil)
		task := h.enqueue(fx.Chapters[0].ID)

		_, err := h.svc.RunWorkerOnce(h.ctx, 1)
		require.NoError(t, err)
		got := h.task(task.ID)
		assert.Equal(t, models.TaskQueued, got.Status)
		require.NotNil(t, got.Error)
		assert.Equal(t, errNoPages.Error(), *got.Error)
	})

	t.Run("remote not found fails immediately", func(t *testing.T) {
		h := newHarness(t)
		fx := h.seed("/series/unlisted", "Unlisted", 1)
		task := h.enqueue(fx.Chapters[0].ID)

		_, err := h.svc.RunWorkerOnce(h.ctx, 1)
		require.NoError(t, err)
		got := h.task(task.ID)
		assert.Equal(t, models.TaskFailed, got.Status)
		assert.Equal(t, 1, got.Attempts)
	})
}

func TestRunWorkerOnceResumesPages(t *testing.T) {
	h := newHarness(t)
	fx := h.seed("/series/resume", "Resume", 1)
	ch := fx.Chapters[0]
	h.cat.SetPages(testSource, ch.ChapterURL, []models.PageRef{
		{Index: 0, ImageURL: h.route("/img/r0.jpg", &pageRoute{})},
		{Index: 1, ImageURL: h.route("/img/r1.jpg", &pageRoute{failures: 1, failStatus: 404})},
		{Index: 2, ImageURL: h.route("/img/r2.jpg", &pageRoute{})},
	})
	task := h.enqueue(ch.ID)

	_, err := h.svc.RunWorkerOnce(h.ctx, 1)
	require.NoError(t, err)
	got := h.task(task.ID)
	assert.Equal(t, models.TaskQueued, got.Status)
	assert.Equal(t, 1, got.DownloadedPages)
	assert.Equal(t, 3, got.TotalPages)

	h.clock.Advance(time.Minute)
	_, err = h.svc.RunWorkerOnce(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, h.task(task.ID).Status)
	assert.Equal(t, 1, h.Hits("/img/r0.jpg"), "the stored page is not fetched again")
	assert.Equal(t, 2, h.Hits("/img/r1.jpg"))
	assert.Equal(t, 1, h.Hits("/img/r2.jpg"))
}

func TestRunWorkerOnceWritesArchive(t *testing.T) {
	h := newHarness(t)
	opts := DefaultOptions()
	opts.WriteArchive = true
	h.svc = h.newService(opts)

	fx := h.seed("/series/cbz", "Archived", 1)
	ch := fx.Chapters[0]
	h.servePages(ch, 2)
	h.enqueue(ch.ID)

	_, err := h.svc.RunWorkerOnce(h.ctx, 1)
	require.NoError(t, err)

	f, err := h.files.Open(chapterDir(fx, ch) + ".cbz")
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var names []string
	for _, zf := range zr.File {
		names = append(names, zf.Name)
	}
	assert.Equal(t, []string{"0000.jpg", "0001.jpg"}, names)
}

func TestArchiveHoldsOnlyRecordedPages(t *testing.T) {
	h := newHarness(t)
	opts := DefaultOptions()
	opts.WriteArchive = true
	h.svc = h.newService(opts)

	fx := h.seed("/series/leftovers", "Leftovers", 1)
	ch := fx.Chapters[0]
	dir := chapterDir(fx, ch)
	// A page index the source dropped and an old copy under another extension.
	require.NoError(t, h.files.MkdirAll(dir))
	for _, name := range []string{"0000.png", "0007.jpg"} {
		_, err := h.files.WriteFile(dir+"/"+name, strings.NewReader("stale"))
		require.NoError(t, err)
	}
	h.servePages(ch, 2)
	h.enqueue(ch.ID)

	_, err := h.svc.RunWorkerOnce(h.ctx, 1)
	require.NoError(t, err)

	f, err := h.files.Open(dir + ".cbz")
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var names []string
	for _, zf := range zr.File {
		names = append(names, zf.Name)
	}
	assert.Equal(t, []string{"0000.jpg", "0001.jpg"}, names)
}

func TestShutdownReleasesClaim(t *testing.T) {
	h := newHarness(t)
	fx := h.seed("/series/shutdown", "Shutdown", 1)
	ch := fx.Chapters[0]
	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	h.cat.SetPages(testSource, ch.ChapterURL, []models.PageRef{
		{Index: 0, ImageURL: h.route("/img/s0.jpg", &pageRoute{onHit: func(int) { cancel() }})},
		{Index: 1, ImageURL: h.route("/img/s1.jpg", &pageRoute{})},
	})
	task := h.enqueue(ch.ID)

	res, err := h.svc.RunWorkerOnce(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, 0, res.ProcessedTasks, "a released claim is not counted")

	got := h.task(task.ID)
	assert.Equal(t, models.TaskQueued, got.Status)
	assert.Equal(t, 0, got.Attempts, "an interrupted attempt is given back")
	require.NotNil(t, got.Error)
	assert.Equal(t, "Interrupted by shutdown", *got.Error)
	assert.Nil(t, got.ClaimedBy)
}

func TestStaleAndInterruptedClaims(t *testing.T) {
	h := newHarness(t)
	fx := h.seed("/series/claims", "Claims", 2)
	ghost := h.enqueue(fx.Chapters[0].ID)
	own := h.enqueue(fx.Chapters[1].ID)

	claimed, ok, err := h.st.ClaimNextTask(h.ctx, "previous-process", h.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ghost.ID, claimed.ID)
	_, ok, err = h.st.ClaimNextTask(h.ctx, h.svc.InstanceID(), h.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	t.Run("fresh claims are not stale", func(t *testing.T) {
		n, err := h.svc.ReclaimStaleTasks(h.ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("startup recovery resets claims of other processes", func(t *testing.T) {
		n, err := h.svc.RecoverInterruptedTasks(h.ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		got := h.task(ghost.ID)
		assert.Equal(t, models.TaskQueued, got.Status)
		require.NotNil(t, got.Error)
		assert.Equal(t, "Interrupted by restart", *got.Error)
		assert.Equal(t, models.TaskDownloading, h.task(own.ID).Status)
	})

	t.Run("old claims are reclaimed", func(t *testing.T) {
		h.clock.Advance(DefaultOptions().StaleClaimAfter + time.Minute)
		n, err := h.svc.ReclaimStaleTasks(h.ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
		assert.Equal(t, models.TaskQueued, h.task(own.ID).Status)
	})
}
