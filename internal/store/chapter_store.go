package store

import (
	"context"
	"time"

	"github.com/vrsandeep/mangarr-go/internal/models"
)

const chapterColumns = `id, library_title_id, variant_id, chapter_url, name, chapter_number, scanlator,
	date_upload, position, is_read, is_downloaded, downloaded_at, download_path, download_error,
	created_at, updated_at, last_synced_at`

func scanChapter(row rowScanner) (*models.LibraryChapter, error) {
	var c models.LibraryChapter
	err := row.Scan(&c.ID, &c.LibraryTitleID, &c.VariantID, &c.ChapterURL, &c.Name, &c.ChapterNumber,
		&c.Scanlator, &c.DateUpload, &c.Position, &c.IsRead, &c.IsDownloaded, &c.DownloadedAt,
		&c.DownloadPath, &c.DownloadError, &c.CreatedAt, &c.UpdatedAt, &c.LastSyncedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) queryChapters(ctx context.Context, query string, args ...any) ([]models.LibraryChapter, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chapters []models.LibraryChapter
	for rows.Next() {
		c, err := scanChapter(rows)
		if err != nil {
			return nil, err
		}
		chapters = append(chapters, *c)
	}
	return chapters, rows.Err()
}

// GetChapter returns a chapter by ID.
func (s *Store) GetChapter(ctx context.Context, id int64) (*models.LibraryChapter, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+chapterColumns+" FROM library_chapters WHERE id = ?", id)
	c, err := scanChapter(row)
	if err != nil {
		return nil, notFound(err, "chapter", id)
	}
	return c, nil
}

// ListChaptersForVariant returns a variant's chapters in source order.
func (s *Store) ListChaptersForVariant(ctx context.Context, variantID int64) ([]models.LibraryChapter, error) {
	return s.queryChapters(ctx, "SELECT "+chapterColumns+" FROM library_chapters WHERE variant_id = ? ORDER BY position, id", variantID)
}

// ListMissingChapters returns chapters of a variant that are not downloaded,
// newest chapter number first. With unreadOnly, read chapters are skipped too.
func (s *Store) ListMissingChapters(ctx context.Context, variantID int64, unreadOnly bool) ([]models.LibraryChapter, error) {
	query := "SELECT " + chapterColumns + " FROM library_chapters WHERE variant_id = ? AND is_downloaded = 0"
	if unreadOnly {
		query += " AND is_read = 0"
	}
	query += " ORDER BY chapter_number DESC, date_upload DESC, id DESC"
	return s.queryChapters(ctx, query, variantID)
}

// SyncChapters reconciles the stored chapters of a variant against a remote
// chapter list, matching by chapter URL. New chapters are inserted, known ones
// refreshed, and chapters missing remotely are deleted together with their
// pages and in-flight tasks. Running it twice with the same input changes nothing
// the second time apart from sync timestamps.
func (s *Store) SyncChapters(ctx context.Context, titleID, variantID int64, remote []models.ChapterMetadata, now time.Time) (*models.ChapterSyncResult, error) {
	now = utc(now)
	result := &models.ChapterSyncResult{}

	err := s.WithTx(ctx, func(tx *Store) error {
		existing, err := tx.ListChaptersForVariant(ctx, variantID)
		if err != nil {
			return err
		}
		byURL := make(map[string]models.LibraryChapter, len(existing))
		for _, c := range existing {
			byURL[c.ChapterURL] = c
		}

		seen := make(map[string]bool, len(remote))
		for i, ch := range remote {
			if seen[ch.URL] {
				continue
			}
			seen[ch.URL] = true
			position := i + 1

			if stored, ok := byURL[ch.URL]; ok {
				_, err := tx.q.ExecContext(ctx, `
					UPDATE library_chapters SET name = ?, chapter_number = ?, scanlator = ?, date_upload = ?,
						position = ?, updated_at = ?, last_synced_at = ?
					WHERE id = ?`,
					ch.Name, ch.ChapterNumber, ch.Scanlator, utc(ch.DateUpload), position, now, now, stored.ID)
				if err != nil {
					return err
				}
				result.Updated++
				continue
			}

			res, err := tx.q.ExecContext(ctx, `
				INSERT INTO library_chapters (library_title_id, variant_id, chapter_url, name, chapter_number,
					scanlator, date_upload, position, created_at, updated_at, last_synced_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				titleID, variantID, ch.URL, ch.Name, ch.ChapterNumber, ch.Scanlator, utc(ch.DateUpload),
				position, now, now, now)
			if err != nil {
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			inserted, err := tx.GetChapter(ctx, id)
			if err != nil {
				return err
			}
			result.Inserted = append(result.Inserted, *inserted)
		}

		var staleIDs []int64
		for _, c := range existing {
			if !seen[c.ChapterURL] {
				staleIDs = append(staleIDs, c.ID)
				result.Removed = append(result.Removed, c)
			}
		}
		return tx.deleteChapters(ctx, staleIDs)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// deleteChapters removes chapters with their pages and in-flight tasks.
// Terminal tasks are kept as history.
func (s *Store) deleteChapters(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	in := placeholders(len(ids))
	args := int64Args(ids)

	if _, err := s.q.ExecContext(ctx,
		"DELETE FROM download_tasks WHERE status IN ('QUEUED', 'DOWNLOADING') AND chapter_id IN ("+in+")", args...); err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx, "DELETE FROM library_chapter_pages WHERE chapter_id IN ("+in+")", args...); err != nil {
		return err
	}
	_, err := s.q.ExecContext(ctx, "DELETE FROM library_chapters WHERE id IN ("+in+")", args...)
	return err
}

// MarkChapterDownloaded records a finished chapter download.
func (s *Store) MarkChapterDownloaded(ctx context.Context, chapterID int64, downloadPath string, now time.Time) error {
	now = utc(now)
	res, err := s.q.ExecContext(ctx, `
		UPDATE library_chapters SET is_downloaded = 1, downloaded_at = ?, download_path = ?,
			download_error = NULL, updated_at = ?
		WHERE id = ?`, now, downloadPath, now, chapterID)
	if err != nil {
		return err
	}
	return checkAffected(res, "chapter", chapterID)
}

// SetChapterDownloadError stores the last download failure on a chapter.
func (s *Store) SetChapterDownloadError(ctx context.Context, chapterID int64, message string, now time.Time) error {
	_, err := s.q.ExecContext(ctx,
		"UPDATE library_chapters SET download_error = ?, updated_at = ? WHERE id = ?",
		message, utc(now), chapterID)
	return err
}

// SetChapterRead flips the read flag. The reader owns this field; it is
// exposed for the CLI and tests.
func (s *Store) SetChapterRead(ctx context.Context, chapterID int64, read bool, now time.Time) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE library_chapters SET is_read = ?, updated_at = ? WHERE id = ?", read, utc(now), chapterID)
	if err != nil {
		return err
	}
	return checkAffected(res, "chapter", chapterID)
}
