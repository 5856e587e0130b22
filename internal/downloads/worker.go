package downloads

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/vrsandeep/mangarr-go/internal/catalog"
	"github.com/vrsandeep/mangarr-go/internal/models"
	"github.com/vrsandeep/mangarr-go/internal/store"
	"github.com/vrsandeep/mangarr-go/internal/util"
)

const MaxWorkerBatchSize = 50

var (
	errNoPages = errors.New("chapter has no pages")
	// errLeftDownloading means the task was cancelled or reclaimed while
	// this worker held it. The worker stops without touching the task.
	errLeftDownloading = errors.New("task is no longer downloading")
)

// RunWorkerOnce claims and processes up to batchSize tasks one after the
// other, stopping early when the queue has nothing eligible. A batchSize of
// zero uses the configured default.
func (s *Service) RunWorkerOnce(ctx context.Context, batchSize int) (*models.WorkerRunResult, error) {
	if batchSize == 0 {
		batchSize = s.opts.WorkerBatchSize
	}
	if batchSize < 1 || batchSize > MaxWorkerBatchSize {
		return nil, fmt.Errorf("%w: batch size must be between 1 and %d", ErrInvalidInput, MaxWorkerBatchSize)
	}

	s.workerMu.Lock()
	defer s.workerMu.Unlock()

	if n, err := s.reclaimStale(ctx); err != nil {
		log.Printf("Worker: stale claim sweep failed: %v", err)
	} else if n > 0 {
		log.Printf("Worker: reclaimed %d stale tasks", n)
	}

	result := &models.WorkerRunResult{}
	for result.ProcessedTasks < batchSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		task, ok, err := s.st.ClaimNextTask(ctx, s.instanceID, s.now())
		if err != nil {
			return result, err
		}
		if !ok {
			break
		}
		if err := s.processTask(ctx, task); err != nil {
			// The claim went back to the queue and does not count.
			return result, err
		}
		result.ProcessedTasks++
	}
	return result, nil
}

// ReclaimStaleTasks returns long-running DOWNLOADING claims to the queue.
func (s *Service) ReclaimStaleTasks(ctx context.Context) (int64, error) {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	return s.reclaimStale(ctx)
}

func (s *Service) reclaimStale(ctx context.Context) (int64, error) {
	if s.opts.StaleClaimAfter <= 0 {
		return 0, nil
	}
	now := s.now()
	return s.st.ReclaimStaleTasks(ctx, now.Add(-s.opts.StaleClaimAfter), now)
}

// RecoverInterruptedTasks re-queues tasks left DOWNLOADING by a previous
// process. Call it once at startup, before the worker runs.
func (s *Service) RecoverInterruptedTasks(ctx context.Context) (int64, error) {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	return s.st.ResetForeignClaims(ctx, s.instanceID, s.now())
}

// processTask runs one claimed task to a terminal state or back to the
// queue. Download errors are recorded on the task and the chapter. The only
// error returned is ctx's, after the claim was released.
func (s *Service) processTask(ctx context.Context, task *models.DownloadTask) error {
	// Bookkeeping must land even when ctx is cancelled mid-download.
	bg := context.WithoutCancel(ctx)

	chapter, err := s.st.GetChapter(ctx, task.ChapterID)
	if errors.Is(err, store.ErrNotFound) {
		s.finish(bg, task, models.TaskCancelled, "Chapter no longer exists")
		return nil
	}
	if err != nil {
		return s.failOrRelease(ctx, task, nil, err)
	}

	variant, err := s.st.GetVariant(ctx, chapter.VariantID)
	var title *models.LibraryTitle
	if err == nil {
		title, err = s.st.GetTitle(ctx, chapter.LibraryTitleID)
	}
	if errors.Is(err, store.ErrNotFound) {
		s.finish(bg, task, models.TaskFailed, "Broken chapter references")
		return nil
	}
	if err != nil {
		return s.failOrRelease(ctx, task, chapter, err)
	}

	if chapter.IsDownloaded {
		s.complete(bg, task, chapter.DownloadPath, task.DownloadedPages, task.TotalPages)
		return nil
	}

	outputDir := util.ChapterPath(title.ID, title.Title, chapter.ID, chapter.Name)
	total, err := s.downloadChapter(ctx, task, chapter, variant, outputDir)
	switch {
	case err == nil:
		s.completeChapter(bg, task, chapter, outputDir, total)
	case errors.Is(err, errLeftDownloading):
		log.Printf("Worker: task %d left DOWNLOADING, stopping", task.ID)
	default:
		return s.failOrRelease(ctx, task, chapter, err)
	}
	return nil
}

// failOrRelease records a failed attempt, unless ctx ended the attempt. Then
// the claim goes back to the queue without using up an attempt.
func (s *Service) failOrRelease(ctx context.Context, task *models.DownloadTask, chapter *models.LibraryChapter, cause error) error {
	bg := context.WithoutCancel(ctx)
	if err := ctx.Err(); err != nil {
		if _, rerr := s.st.ReleaseClaim(bg, task.ID, "Interrupted by shutdown", s.now()); rerr != nil {
			log.Printf("Worker: failed to release task %d: %v", task.ID, rerr)
		}
		return err
	}
	s.failAttempt(bg, task, chapter, cause)
	return nil
}

// completeChapter marks the chapter downloaded and completes the task in one
// transaction. Nothing is written if the task was cancelled meanwhile.
func (s *Service) completeChapter(ctx context.Context, task *models.DownloadTask, chapter *models.LibraryChapter, outputDir string, total int) {
	now := s.now()
	err := s.st.WithTx(ctx, func(tx *store.Store) error {
		ok, err := tx.CompleteTask(ctx, task.ID, &outputDir, now)
		if err != nil {
			return err
		}
		if !ok {
			return errLeftDownloading
		}
		return tx.MarkChapterDownloaded(ctx, chapter.ID, outputDir, now)
	})
	if errors.Is(err, errLeftDownloading) {
		log.Printf("Worker: task %d was cancelled before completion", task.ID)
		return
	}
	if err != nil {
		log.Printf("Worker: failed to complete task %d: %v", task.ID, err)
		return
	}
	log.Printf("Worker: task %d downloaded %q %q (%d pages)", task.ID, task.TitleName, task.ChapterName, total)
	s.broadcast(models.ProgressUpdate{
		TaskID: task.ID, ChapterID: task.ChapterID, Status: models.TaskCompleted,
		Message: "Download finished", DownloadedPages: total, TotalPages: total, Done: true,
	})

	if s.opts.WriteArchive {
		if err := s.writeArchive(ctx, chapter.ID, outputDir); err != nil {
			log.Printf("Worker: failed to write archive for task %d: %v", task.ID, err)
		}
	}
}

func (s *Service) complete(ctx context.Context, task *models.DownloadTask, outputDir *string, downloaded, total int) {
	ok, err := s.st.CompleteTask(ctx, task.ID, outputDir, s.now())
	if err != nil {
		log.Printf("Worker: failed to complete task %d: %v", task.ID, err)
		return
	}
	if ok {
		s.broadcast(models.ProgressUpdate{
			TaskID: task.ID, ChapterID: task.ChapterID, Status: models.TaskCompleted,
			Message: "Chapter already downloaded", DownloadedPages: downloaded, TotalPages: total, Done: true,
		})
	}
}

func (s *Service) finish(ctx context.Context, task *models.DownloadTask, status models.TaskStatus, message string) {
	ok, err := s.st.FinishTask(ctx, task.ID, status, message, s.now())
	if err != nil {
		log.Printf("Worker: failed to mark task %d %s: %v", task.ID, status, err)
		return
	}
	if ok {
		log.Printf("Worker: task %d %s: %s", task.ID, status, message)
		s.broadcast(models.ProgressUpdate{
			TaskID: task.ID, ChapterID: task.ChapterID, Status: status, Message: message, Done: true,
		})
	}
}

// failAttempt records a failed attempt. The task is re-queued with backoff
// until it runs out of attempts; a remote not-found ends it immediately.
func (s *Service) failAttempt(ctx context.Context, task *models.DownloadTask, chapter *models.LibraryChapter, cause error) {
	msg := errorText(cause)
	now := s.now()
	if chapter != nil {
		if err := s.st.SetChapterDownloadError(ctx, chapter.ID, msg, now); err != nil {
			log.Printf("Worker: failed to record chapter %d error: %v", chapter.ID, err)
		}
	}

	if task.Attempts >= task.MaxAttempts || catalog.IsNotFound(cause) {
		s.finish(ctx, task, models.TaskFailed, msg)
		return
	}

	retryAt := now.Add(s.opts.TaskBackoff.Delay(task.Attempts))
	ok, err := s.st.RequeueTask(ctx, task.ID, msg, retryAt, now)
	if err != nil {
		log.Printf("Worker: failed to requeue task %d: %v", task.ID, err)
		return
	}
	if ok {
		log.Printf("Worker: task %d attempt %d/%d failed, retrying at %s: %s",
			task.ID, task.Attempts, task.MaxAttempts, retryAt.Format("15:04:05"), msg)
		s.broadcast(models.ProgressUpdate{
			TaskID: task.ID, ChapterID: task.ChapterID, Status: models.TaskQueued, Message: msg,
			DownloadedPages: task.DownloadedPages, TotalPages: task.TotalPages,
		})
	}
}
