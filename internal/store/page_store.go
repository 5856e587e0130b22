package store

import (
	"context"
	"time"

	"github.com/vrsandeep/mangarr-go/internal/models"
)

const pageColumns = "id, chapter_id, page_index, url, image_url, local_path, local_size, fetched_at"

// ListChapterPages returns the stored pages of a chapter in index order.
func (s *Store) ListChapterPages(ctx context.Context, chapterID int64) ([]models.ChapterPage, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+pageColumns+" FROM library_chapter_pages WHERE chapter_id = ? ORDER BY page_index", chapterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []models.ChapterPage
	for rows.Next() {
		var p models.ChapterPage
		if err := rows.Scan(&p.ID, &p.ChapterID, &p.PageIndex, &p.URL, &p.ImageURL, &p.LocalPath, &p.LocalSize, &p.FetchedAt); err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// SyncChapterPages upserts page rows by (chapter, index) and drops indexes the
// source no longer reports. A page whose remote location changed loses its
// local file reference so it is fetched again.
func (s *Store) SyncChapterPages(ctx context.Context, chapterID int64, refs []models.PageRef, now time.Time) ([]models.ChapterPage, error) {
	now = utc(now)
	var pages []models.ChapterPage

	err := s.WithTx(ctx, func(tx *Store) error {
		existing, err := tx.ListChapterPages(ctx, chapterID)
		if err != nil {
			return err
		}
		byIndex := make(map[int]models.ChapterPage, len(existing))
		for _, p := range existing {
			byIndex[p.PageIndex] = p
		}

		seen := make(map[int]bool, len(refs))
		for _, ref := range refs {
			if seen[ref.Index] {
				continue
			}
			seen[ref.Index] = true

			if p, ok := byIndex[ref.Index]; ok {
				query := "UPDATE library_chapter_pages SET url = ?, image_url = ?, fetched_at = ? WHERE id = ?"
				if p.URL != ref.URL || p.ImageURL != ref.ImageURL {
					query = "UPDATE library_chapter_pages SET url = ?, image_url = ?, fetched_at = ?, local_path = NULL, local_size = NULL WHERE id = ?"
				}
				if _, err := tx.q.ExecContext(ctx, query, ref.URL, ref.ImageURL, now, p.ID); err != nil {
					return err
				}
				continue
			}

			if _, err := tx.q.ExecContext(ctx, `
				INSERT INTO library_chapter_pages (chapter_id, page_index, url, image_url, fetched_at)
				VALUES (?, ?, ?, ?, ?)`, chapterID, ref.Index, ref.URL, ref.ImageURL, now); err != nil {
				return err
			}
		}

		for _, p := range existing {
			if seen[p.PageIndex] {
				continue
			}
			if _, err := tx.q.ExecContext(ctx, "DELETE FROM library_chapter_pages WHERE id = ?", p.ID); err != nil {
				return err
			}
		}

		pages, err = tx.ListChapterPages(ctx, chapterID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pages, nil
}

// SetPageLocalFile records where a page was stored on disk.
func (s *Store) SetPageLocalFile(ctx context.Context, pageID int64, localPath string, size int64, now time.Time) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE library_chapter_pages SET local_path = ?, local_size = ?, fetched_at = ? WHERE id = ?",
		localPath, size, utc(now), pageID)
	if err != nil {
		return err
	}
	return checkAffected(res, "page", pageID)
}
