package downloads

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/vrsandeep/mangarr-go/internal/models"
	"github.com/vrsandeep/mangarr-go/internal/store"
)

const userAgent = "mangarr-go/1.0"

// statusError is a non-2xx page response.
type statusError struct {
	Code int
	URL  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Code)
}

// retryablePage reports whether another attempt at a page can help. Client
// errors other than timeouts and rate limiting are final.
func retryablePage(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		if se.Code == http.StatusRequestTimeout || se.Code == http.StatusTooManyRequests {
			return true
		}
		return se.Code < 400 || se.Code >= 500
	}
	return !errors.Is(err, context.Canceled)
}

// downloadChapter fetches the page list, reconciles the page rows and stores
// every page below outputDir. Progress is committed after each page. It
// returns the number of pages.
func (s *Service) downloadChapter(ctx context.Context, task *models.DownloadTask, chapter *models.LibraryChapter, variant *models.TitleVariant, outputDir string) (int, error) {
	refs, err := s.catalog.FetchChapterPages(ctx, variant.SourceID, chapter.ChapterURL)
	if err != nil {
		return 0, fmt.Errorf("fetch chapter pages: %w", err)
	}
	if len(refs) == 0 {
		return 0, errNoPages
	}

	pages, err := s.st.SyncChapterPages(ctx, chapter.ID, refs, s.now())
	if err != nil {
		return 0, fmt.Errorf("sync chapter pages: %w", err)
	}
	if err := s.files.MkdirAll(outputDir); err != nil {
		return 0, fmt.Errorf("create chapter directory: %w", err)
	}

	total := len(pages)
	for i, page := range pages {
		if err := s.ensureDownloading(ctx, task.ID); err != nil {
			return 0, err
		}

		localPath, size, err := s.fetchPage(ctx, outputDir, page)
		if err != nil {
			return 0, fmt.Errorf("page %d: %w", page.PageIndex, err)
		}

		now := s.now()
		err = s.st.WithTx(ctx, func(tx *store.Store) error {
			if err := tx.SetPageLocalFile(ctx, page.ID, localPath, size, now); err != nil {
				return err
			}
			ok, err := tx.UpdateTaskProgress(ctx, task.ID, models.TaskProgress{
				DownloadedPages: i + 1,
				TotalPages:      total,
				OutputDir:       outputDir,
			}, now)
			if err != nil {
				return err
			}
			if !ok {
				return errLeftDownloading
			}
			return nil
		})
		if err != nil {
			return 0, err
		}

		s.broadcast(models.ProgressUpdate{
			TaskID:          task.ID,
			ChapterID:       task.ChapterID,
			Status:          models.TaskDownloading,
			Message:         fmt.Sprintf("Downloaded page %d of %d", i+1, total),
			DownloadedPages: i + 1,
			TotalPages:      total,
		})
	}
	return total, nil
}

// ensureDownloading is the cooperative cancellation check.
func (s *Service) ensureDownloading(ctx context.Context, taskID int64) error {
	status, err := s.st.GetTaskStatus(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return errLeftDownloading
	}
	if err != nil {
		return err
	}
	if status != models.TaskDownloading {
		return errLeftDownloading
	}
	return nil
}

// fetchPage stores one page and returns its path relative to the downloads
// root. A page already on disk with the recorded size is kept as is.
func (s *Service) fetchPage(ctx context.Context, outputDir string, page models.ChapterPage) (string, int64, error) {
	if page.LocalPath != nil && page.LocalSize != nil && path.Dir(*page.LocalPath) == outputDir {
		size, ok, err := s.files.Size(*page.LocalPath)
		if err == nil && ok && size == *page.LocalSize {
			return *page.LocalPath, size, nil
		}
	}

	src := page.ImageURL
	if src == "" {
		src = page.URL
	}
	if src == "" {
		return "", 0, errors.New("page has no URL")
	}

	ext := ExtFromURL(src)
	target := path.Join(outputDir, fmt.Sprintf("%04d%s", page.PageIndex, ext))
	contentType, size, err := s.downloadWithRetries(ctx, src, target)
	if err != nil {
		return "", 0, err
	}

	if inferred, ok := ExtFromContentType(contentType); ok && inferred != ext {
		renamed := strings.TrimSuffix(target, ext) + inferred
		if err := s.files.Rename(target, renamed); err != nil {
			return "", 0, fmt.Errorf("rename page: %w", err)
		}
		target = renamed
	}
	return target, size, nil
}

// downloadWithRetries tries a page up to PageRetryCount+1 times. The partial
// file of a failed attempt is removed before the next one.
func (s *Service) downloadWithRetries(ctx context.Context, src, target string) (string, int64, error) {
	retries := max(s.opts.PageRetryCount, 0)
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		contentType, n, err := s.downloadOnce(ctx, src, target)
		if err == nil {
			return contentType, n, nil
		}
		lastErr = err
		if rerr := s.files.Remove(target + ".part"); rerr != nil {
			return "", 0, fmt.Errorf("%w (cleanup: %v)", err, rerr)
		}
		if ctx.Err() != nil || !retryablePage(err) || attempt == retries {
			break
		}
		if err := s.sleep(ctx, s.opts.PageBackoff.Delay(attempt+1)); err != nil {
			return "", 0, err
		}
	}
	return "", 0, lastErr
}

// downloadOnce streams src to target.part and renames it into place once the
// body has been read completely.
func (s *Service) downloadOnce(ctx context.Context, src, target string) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", 0, &statusError{Code: resp.StatusCode, URL: src}
	}

	tmp := target + ".part"
	n, err := s.files.WriteFile(tmp, resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("write page: %w", err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return "", 0, fmt.Errorf("short read: got %d of %d bytes", n, resp.ContentLength)
	}
	if err := s.files.Rename(tmp, target); err != nil {
		return "", 0, fmt.Errorf("move page into place: %w", err)
	}
	return resp.Header.Get("Content-Type"), n, nil
}
