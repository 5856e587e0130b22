package downloads

import (
	"context"
	"errors"
	"fmt"

	"github.com/vrsandeep/mangarr-go/internal/models"
	"github.com/vrsandeep/mangarr-go/internal/store"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
	MaxPriority      = 1000
)

// GetOverview returns task counts by status and the number of monitored
// titles.
func (s *Service) GetOverview(ctx context.Context) (*models.DownloadOverview, error) {
	counts, err := s.st.CountTasksByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	monitored, err := s.st.CountEnabledProfiles(ctx)
	if err != nil {
		return nil, err
	}
	return &models.DownloadOverview{
		MonitoredTitles: monitored,
		Queued:          counts[models.TaskQueued],
		Downloading:     counts[models.TaskDownloading],
		Completed:       counts[models.TaskCompleted],
		Failed:          counts[models.TaskFailed],
		Cancelled:       counts[models.TaskCancelled],
	}, nil
}

// GetDashboard combines the overview with per-title statistics and the
// active and recent task lists.
func (s *Service) GetDashboard(ctx context.Context, titlesLimit, activeLimit, recentLimit int) (*models.DownloadDashboard, error) {
	overview, err := s.GetOverview(ctx)
	if err != nil {
		return nil, err
	}
	titles, err := s.st.ListMonitoredTitleStats(ctx, titlesLimit)
	if err != nil {
		return nil, fmt.Errorf("list monitored titles: %w", err)
	}
	active, err := s.st.ListActiveTasks(ctx, activeLimit)
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	recent, err := s.st.ListRecentTasks(ctx, recentLimit)
	if err != nil {
		return nil, fmt.Errorf("list recent tasks: %w", err)
	}
	return &models.DownloadDashboard{
		Overview:        *overview,
		MonitoredTitles: emptyIfNil(titles),
		ActiveTasks:     emptyIfNil(active),
		RecentTasks:     emptyIfNil(recent),
	}, nil
}

func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func normalizePage(offset, limit *int) error {
	if *offset < 0 {
		return fmt.Errorf("%w: offset must not be negative", ErrInvalidInput)
	}
	if *limit == 0 {
		*limit = DefaultListLimit
	}
	if *limit < 1 || *limit > MaxListLimit {
		return fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidInput, MaxListLimit)
	}
	return nil
}

func (s *Service) ListProfiles(ctx context.Context, filter models.ProfileFilter) ([]models.DownloadProfile, error) {
	if err := normalizePage(&filter.Offset, &filter.Limit); err != nil {
		return nil, err
	}
	profiles, err := s.st.ListProfiles(ctx, filter)
	if err != nil {
		return nil, err
	}
	return emptyIfNil(profiles), nil
}

// GetProfile returns the title's profile, creating the default one on first
// access.
func (s *Service) GetProfile(ctx context.Context, titleID int64) (*models.DownloadProfile, error) {
	if _, err := s.st.GetTitle(ctx, titleID); err != nil {
		return nil, mapStoreErr(err, "library title %d", titleID)
	}
	return s.st.GetOrCreateProfile(ctx, titleID, s.now())
}

// UpdateProfile applies a partial update. A preferred variant must belong to
// the title.
func (s *Service) UpdateProfile(ctx context.Context, titleID int64, update models.DownloadProfileUpdate) (*models.DownloadProfile, error) {
	if update.Strategy != nil && !update.Strategy.Valid() {
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidInput, *update.Strategy)
	}

	var profile *models.DownloadProfile
	err := s.st.WithTx(ctx, func(tx *store.Store) error {
		if _, err := tx.GetTitle(ctx, titleID); err != nil {
			return mapStoreErr(err, "library title %d", titleID)
		}
		if update.PreferredVariantID.Set && update.PreferredVariantID.Value != nil {
			id := *update.PreferredVariantID.Value
			v, err := tx.GetVariant(ctx, id)
			if errors.Is(err, store.ErrNotFound) || (err == nil && v.LibraryTitleID != titleID) {
				return fmt.Errorf("%w: variant %d not found for library title %d", ErrNotFound, id, titleID)
			}
			if err != nil {
				return err
			}
		}

		var err error
		profile, err = tx.GetOrCreateProfile(ctx, titleID, s.now())
		if err != nil {
			return err
		}
		if update.Enabled != nil {
			profile.Enabled = *update.Enabled
		}
		if update.AutoDownload != nil {
			profile.AutoDownload = *update.AutoDownload
		}
		if update.Strategy != nil {
			profile.Strategy = *update.Strategy
		}
		if update.PreferredVariantID.Set {
			profile.PreferredVariantID = update.PreferredVariantID.Value
		}
		if update.StartFrom.Set {
			profile.StartFrom = update.StartFrom.Value
		}
		return tx.SaveProfile(ctx, profile, s.now())
	})
	if err != nil {
		return nil, err
	}
	return profile, nil
}

func (s *Service) ListTasks(ctx context.Context, filter models.TaskFilter) ([]models.DownloadTask, error) {
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, *filter.Status)
	}
	if err := normalizePage(&filter.Offset, &filter.Limit); err != nil {
		return nil, err
	}
	tasks, err := s.st.ListTasks(ctx, filter)
	if err != nil {
		return nil, err
	}
	return emptyIfNil(tasks), nil
}

func (s *Service) GetTask(ctx context.Context, taskID int64) (*models.DownloadTask, error) {
	task, err := s.st.GetTask(ctx, taskID)
	if err != nil {
		return nil, mapStoreErr(err, "download task %d", taskID)
	}
	return task, nil
}

// RetryTask puts a FAILED, CANCELLED or QUEUED task back in the queue right
// away. The attempt counter is kept. It runs under the enqueue lock so a
// retry can never give a chapter a second active task.
func (s *Service) RetryTask(ctx context.Context, taskID int64) (*models.DownloadTask, error) {
	s.enqueueMu.Lock()
	defer s.enqueueMu.Unlock()

	var task *models.DownloadTask
	err := s.st.WithTx(ctx, func(tx *store.Store) error {
		current, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return mapStoreErr(err, "download task %d", taskID)
		}
		switch current.Status {
		case models.TaskFailed, models.TaskCancelled:
			active, err := tx.FindActiveTaskForChapter(ctx, current.ChapterID)
			if err == nil {
				return fmt.Errorf("%w: chapter %d already has active task %d", ErrConflict, current.ChapterID, active.ID)
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		case models.TaskQueued:
		case models.TaskDownloading:
			return fmt.Errorf("%w: task %d is downloading", ErrConflict, taskID)
		case models.TaskCompleted:
			return fmt.Errorf("%w: completed task %d cannot be retried", ErrConflict, taskID)
		default:
			return fmt.Errorf("task %d has unknown status %q", taskID, current.Status)
		}

		if err := tx.RequeueTaskNow(ctx, taskID, s.now()); err != nil {
			return mapStoreErr(err, "download task %d", taskID)
		}
		task, err = tx.GetTask(ctx, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// CancelTask cancels a QUEUED or DOWNLOADING task. A running worker notices
// before its next page.
func (s *Service) CancelTask(ctx context.Context, taskID int64) (*models.DownloadTask, error) {
	task, err := s.st.GetTask(ctx, taskID)
	if err != nil {
		return nil, mapStoreErr(err, "download task %d", taskID)
	}
	switch task.Status {
	case models.TaskQueued, models.TaskDownloading:
	case models.TaskCancelled:
		return task, nil
	case models.TaskCompleted:
		return nil, fmt.Errorf("%w: completed task %d cannot be cancelled", ErrConflict, taskID)
	case models.TaskFailed:
		return nil, fmt.Errorf("%w: failed task %d cannot be cancelled", ErrConflict, taskID)
	default:
		return nil, fmt.Errorf("task %d has unknown status %q", taskID, task.Status)
	}

	ok, err := s.st.CancelActiveTask(ctx, taskID, s.now())
	if err != nil {
		return nil, err
	}
	task, err = s.st.GetTask(ctx, taskID)
	if err != nil {
		return nil, mapStoreErr(err, "download task %d", taskID)
	}
	if !ok && task.Status != models.TaskCancelled {
		return nil, fmt.Errorf("%w: task %d became %s", ErrConflict, taskID, task.Status)
	}
	s.broadcast(models.ProgressUpdate{
		TaskID: task.ID, ChapterID: task.ChapterID, Status: task.Status,
		Message: "Cancelled", DownloadedPages: task.DownloadedPages, TotalPages: task.TotalPages, Done: true,
	})
	return task, nil
}
