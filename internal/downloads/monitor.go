package downloads

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"slices"

	"github.com/vrsandeep/mangarr-go/internal/models"
	"github.com/vrsandeep/mangarr-go/internal/store"
)

const (
	MaxMonitorLimit     = 200
	DefaultMonitorLimit = 25
)

var errNoVariants = errors.New("library title has no source variants")

// RunMonitorOnce checks up to limit enabled profiles, most recently updated
// first. A failing profile records its error and the batch moves on.
func (s *Service) RunMonitorOnce(ctx context.Context, limit int) (*models.MonitorRunResult, error) {
	if limit < 1 || limit > MaxMonitorLimit {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidInput, MaxMonitorLimit)
	}

	s.monitorMu.Lock()
	defer s.monitorMu.Unlock()

	profiles, err := s.st.ListEnabledProfiles(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list enabled profiles: %w", err)
	}

	result := &models.MonitorRunResult{}
	for _, profile := range profiles {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.CheckedTitles++
		enqueued, err := s.monitorProfile(ctx, profile)
		result.EnqueuedTasks += enqueued
		if err != nil {
			log.Printf("Monitor: title %d: %v", profile.LibraryTitleID, err)
		}
	}
	if result.CheckedTitles > 0 {
		log.Printf("Monitor: checked %d titles, queued %d chapters", result.CheckedTitles, result.EnqueuedTasks)
	}
	return result, nil
}

// monitorProfile refreshes one title and queues its candidate chapters. The
// returned error has already been recorded on the profile.
func (s *Service) monitorProfile(ctx context.Context, profile models.DownloadProfile) (int, error) {
	title, err := s.st.GetTitle(ctx, profile.LibraryTitleID)
	if errors.Is(err, store.ErrNotFound) {
		if derr := s.st.DisableProfile(ctx, profile.ID, "Library title not found", s.now()); derr != nil {
			return 0, derr
		}
		return 0, fmt.Errorf("library title not found, profile disabled")
	}
	if err != nil {
		return 0, err
	}

	variant, err := s.resolveVariant(ctx, title.ID, profile.PreferredVariantID)
	if err != nil {
		return 0, s.recordCheckFailure(ctx, profile, err)
	}

	inserted, err := s.syncVariant(ctx, title, variant)
	if err != nil {
		return 0, s.recordCheckFailure(ctx, profile, err)
	}

	if err := s.st.RecordProfileCheck(ctx, profile.ID, nil, s.now()); err != nil {
		return 0, err
	}
	if !profile.AutoDownload {
		return 0, nil
	}

	candidates, err := s.candidateChapters(ctx, profile, variant.ID, inserted)
	if err != nil {
		return 0, s.recordCheckFailure(ctx, profile, err)
	}

	enqueued := 0
	for _, ch := range candidates {
		res, err := s.EnqueueChapterIfNeeded(ctx, ch.ID, models.TriggerMonitor, PriorityMonitor)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return enqueued, s.recordCheckFailure(ctx, profile, err)
		}
		if res.Created {
			enqueued++
		}
	}
	return enqueued, nil
}

func (s *Service) recordCheckFailure(ctx context.Context, profile models.DownloadProfile, cause error) error {
	msg := errorText(cause)
	if err := s.st.RecordProfileCheck(ctx, profile.ID, &msg, s.now()); err != nil {
		return fmt.Errorf("%v (and recording it failed: %w)", cause, err)
	}
	return cause
}

// resolveVariant prefers the profile's variant when it belongs to the title,
// otherwise the most recently synced one.
func (s *Service) resolveVariant(ctx context.Context, titleID int64, preferredID *int64) (*models.TitleVariant, error) {
	if preferredID != nil {
		v, err := s.st.GetVariant(ctx, *preferredID)
		switch {
		case err == nil && v.LibraryTitleID == titleID:
			return v, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}
	v, err := s.st.LatestVariantForTitle(ctx, titleID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errNoVariants
	}
	return v, err
}

// syncVariant fetches the remote title and reconciles its chapters. Folders
// of chapters that disappeared remotely are removed after the commit.
func (s *Service) syncVariant(ctx context.Context, title *models.LibraryTitle, variant *models.TitleVariant) ([]models.LibraryChapter, error) {
	details, err := s.catalog.FetchTitleDetails(ctx, variant.SourceID, variant.TitleURL)
	if err != nil {
		return nil, fmt.Errorf("fetch title details: %w", err)
	}
	remote, err := s.catalog.FetchTitleChapters(ctx, variant.SourceID, variant.TitleURL)
	if err != nil {
		return nil, fmt.Errorf("fetch title chapters: %w", err)
	}

	now := s.now()
	var sync *models.ChapterSyncResult
	err = s.st.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.RefreshTitleSnapshot(ctx, title.ID, *details, now); err != nil {
			return err
		}
		if err := tx.RefreshVariant(ctx, variant.ID, *details, now); err != nil {
			return err
		}
		var err error
		sync, err = tx.SyncChapters(ctx, title.ID, variant.ID, remote, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile chapters: %w", err)
	}

	s.removeChapterFiles(sync.Removed)
	return sync.Inserted, nil
}

func (s *Service) removeChapterFiles(chapters []models.LibraryChapter) {
	for _, ch := range chapters {
		if ch.DownloadPath == nil || *ch.DownloadPath == "" {
			continue
		}
		if err := s.files.RemoveAll(*ch.DownloadPath); err != nil {
			log.Printf("Monitor: failed to remove files of stale chapter %d: %v", ch.ID, err)
		}
		if err := s.files.Remove(*ch.DownloadPath + ".cbz"); err != nil {
			log.Printf("Monitor: failed to remove archive of stale chapter %d: %v", ch.ID, err)
		}
	}
}

// candidateChapters picks the chapters the profile's strategy wants queued,
// newest first, skipping uploads older than start_from.
func (s *Service) candidateChapters(ctx context.Context, profile models.DownloadProfile, variantID int64, inserted []models.LibraryChapter) ([]models.LibraryChapter, error) {
	var chapters []models.LibraryChapter
	switch profile.Strategy {
	case models.StrategyNewOnly:
		chapters = slices.Clone(inserted)
		slices.SortStableFunc(chapters, func(a, b models.LibraryChapter) int {
			if c := cmp.Compare(b.ChapterNumber, a.ChapterNumber); c != 0 {
				return c
			}
			return b.DateUpload.Compare(a.DateUpload)
		})
	case models.StrategyAllUnread:
		var err error
		chapters, err = s.st.ListMissingChapters(ctx, variantID, true)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown download strategy %q", profile.Strategy)
	}

	if profile.StartFrom == nil {
		return chapters, nil
	}
	selected := chapters[:0]
	for _, ch := range chapters {
		if ch.DateUpload.Before(*profile.StartFrom) {
			continue
		}
		selected = append(selected, ch)
	}
	return selected, nil
}
