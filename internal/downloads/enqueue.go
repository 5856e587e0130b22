package downloads

import (
	"context"
	"errors"
	"fmt"

	"github.com/vrsandeep/mangarr-go/internal/models"
	"github.com/vrsandeep/mangarr-go/internal/store"
)

// EnqueueChapterIfNeeded is the only way tasks are created. It returns the
// chapter's active task when one exists, otherwise it inserts a QUEUED task.
// Created reports whether a new row was written.
//
// Calls are serialized by the enqueue lock and run in one transaction, so
// concurrent callers never produce two active tasks for a chapter.
func (s *Service) EnqueueChapterIfNeeded(ctx context.Context, chapterID int64, trigger models.Trigger, priority int) (*models.EnqueueResult, error) {
	if !trigger.Valid() {
		return nil, fmt.Errorf("%w: unknown trigger %q", ErrInvalidInput, trigger)
	}

	s.enqueueMu.Lock()
	defer s.enqueueMu.Unlock()

	var result *models.EnqueueResult
	err := s.st.WithTx(ctx, func(tx *store.Store) error {
		chapter, err := tx.GetChapter(ctx, chapterID)
		if err != nil {
			return mapStoreErr(err, "chapter %d", chapterID)
		}
		if chapter.IsDownloaded {
			return fmt.Errorf("%w: chapter %d is already downloaded", ErrConflict, chapterID)
		}

		existing, err := tx.FindActiveTaskForChapter(ctx, chapterID)
		switch {
		case err == nil:
			result = &models.EnqueueResult{Task: *existing, Created: false}
			return nil
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		variant, err := tx.GetVariant(ctx, chapter.VariantID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: variant %d of chapter %d is missing", ErrBrokenReference, chapter.VariantID, chapterID)
			}
			return err
		}
		title, err := tx.GetTitle(ctx, chapter.LibraryTitleID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: title %d of chapter %d is missing", ErrBrokenReference, chapter.LibraryTitleID, chapterID)
			}
			return err
		}

		now := s.now()
		task, err := tx.CreateTask(ctx, models.NewTask{
			LibraryTitleID: title.ID,
			VariantID:      variant.ID,
			ChapterID:      chapter.ID,
			SourceID:       variant.SourceID,
			ChapterURL:     chapter.ChapterURL,
			TitleName:      title.Title,
			ChapterName:    chapter.Name,
			Trigger:        trigger,
			Priority:       priority,
			MaxAttempts:    s.opts.MaxAttempts,
			AvailableAt:    now,
		}, now)
		if err != nil {
			return fmt.Errorf("create task for chapter %d: %w", chapterID, err)
		}
		result = &models.EnqueueResult{Task: *task, Created: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EnqueueChapter queues a chapter on behalf of a user.
func (s *Service) EnqueueChapter(ctx context.Context, chapterID int64, priority int) (*models.EnqueueResult, error) {
	if priority < 0 || priority > MaxPriority {
		return nil, fmt.Errorf("%w: priority must be between 0 and %d", ErrInvalidInput, MaxPriority)
	}
	return s.EnqueueChapterIfNeeded(ctx, chapterID, models.TriggerManual, priority)
}

// EnqueueMissingForTitle queues every chapter of a variant that has not been
// downloaded. Without variantID the most recently synced variant is used.
// Chapters that already have an active task are not counted.
func (s *Service) EnqueueMissingForTitle(ctx context.Context, titleID int64, variantID *int64, unreadOnly bool) (*models.EnqueueMissingResult, error) {
	if _, err := s.st.GetTitle(ctx, titleID); err != nil {
		return nil, mapStoreErr(err, "library title %d", titleID)
	}

	var variant *models.TitleVariant
	var err error
	if variantID != nil {
		variant, err = s.st.GetVariant(ctx, *variantID)
		if err != nil {
			return nil, mapStoreErr(err, "variant %d", *variantID)
		}
		if variant.LibraryTitleID != titleID {
			return nil, fmt.Errorf("%w: variant %d does not belong to title %d", ErrNotFound, *variantID, titleID)
		}
	} else {
		variant, err = s.st.LatestVariantForTitle(ctx, titleID)
		if err != nil {
			return nil, mapStoreErr(err, "variant for title %d", titleID)
		}
	}

	chapters, err := s.st.ListMissingChapters(ctx, variant.ID, unreadOnly)
	if err != nil {
		return nil, fmt.Errorf("list missing chapters: %w", err)
	}

	result := &models.EnqueueMissingResult{}
	for _, ch := range chapters {
		res, err := s.EnqueueChapterIfNeeded(ctx, ch.ID, models.TriggerManual, PriorityEnqueueMissing)
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			// Downloaded or deleted since the listing.
			continue
		}
		if err != nil {
			return result, err
		}
		if res.Created {
			result.Queued++
		}
	}
	return result, nil
}
