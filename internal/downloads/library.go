package downloads

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/vrsandeep/mangarr-go/internal/models"
	"github.com/vrsandeep/mangarr-go/internal/store"
	"github.com/vrsandeep/mangarr-go/internal/util"
)

// ImportTitle adds a remote title to the library, or refreshes it when the
// (source, url) pair is already known, and reconciles its chapters. Titles
// from different sources with the same canonical key share a library title.
func (s *Service) ImportTitle(ctx context.Context, req models.LibraryImportRequest) (*models.LibraryImportResult, error) {
	req.SourceID = strings.TrimSpace(req.SourceID)
	req.TitleURL = strings.TrimSpace(req.TitleURL)
	if req.SourceID == "" || req.TitleURL == "" {
		return nil, fmt.Errorf("%w: source_id and title_url are required", ErrInvalidInput)
	}

	details, err := s.catalog.FetchTitleDetails(ctx, req.SourceID, req.TitleURL)
	if err != nil {
		return nil, fmt.Errorf("fetch title details: %w", err)
	}
	remote, err := s.catalog.FetchTitleChapters(ctx, req.SourceID, req.TitleURL)
	if err != nil {
		return nil, fmt.Errorf("fetch title chapters: %w", err)
	}

	// Same lock as the monitor: both reconcile chapters of a variant.
	s.monitorMu.Lock()
	defer s.monitorMu.Unlock()

	now := s.now()
	result := &models.LibraryImportResult{}
	var sync *models.ChapterSyncResult
	err = s.st.WithTx(ctx, func(tx *store.Store) error {
		variant, err := tx.FindVariantBySource(ctx, req.SourceID, req.TitleURL)
		switch {
		case err == nil:
			if _, err := tx.GetTitle(ctx, variant.LibraryTitleID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("%w: variant %d has no library title", ErrBrokenReference, variant.ID)
				}
				return err
			}
			if err := tx.RefreshTitleSnapshot(ctx, variant.LibraryTitleID, *details, now); err != nil {
				return err
			}
			if err := tx.RefreshVariant(ctx, variant.ID, *details, now); err != nil {
				return err
			}
		case errors.Is(err, store.ErrNotFound):
			title, err := s.findOrCreateTitle(ctx, tx, details, now)
			if err != nil {
				return err
			}
			variant, err = tx.CreateVariant(ctx, title.ID, req.SourceID, req.TitleURL, *details, now)
			if err != nil {
				return fmt.Errorf("create variant: %w", err)
			}
			result.Created = true
		default:
			return err
		}

		result.LibraryTitleID = variant.LibraryTitleID
		result.VariantID = variant.ID
		sync, err = tx.SyncChapters(ctx, variant.LibraryTitleID, variant.ID, remote, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.removeChapterFiles(sync.Removed)
	log.Printf("Library: imported %q from %s (%d new chapters)", details.Title, req.SourceID, len(sync.Inserted))
	return result, nil
}

func (s *Service) findOrCreateTitle(ctx context.Context, tx *store.Store, details *models.TitleMetadata, now time.Time) (*models.LibraryTitle, error) {
	key := util.CanonicalKey(details.Title, details.Author)
	title, err := tx.FindTitleByCanonicalKey(ctx, key)
	if err == nil {
		return title, tx.RefreshTitleSnapshot(ctx, title.ID, *details, now)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	title, err = tx.CreateTitle(ctx, key, details.Title, now)
	if err != nil {
		return nil, fmt.Errorf("create library title: %w", err)
	}
	if err := tx.RefreshTitleSnapshot(ctx, title.ID, *details, now); err != nil {
		return nil, err
	}
	return title, nil
}
