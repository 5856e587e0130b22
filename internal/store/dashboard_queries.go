package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vrsandeep/mangarr-go/internal/models"
)

// sqlite returns aggregate expressions like MAX(downloaded_at) as plain text,
// so they cannot be scanned into time.Time directly.
var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseSQLiteTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	for _, layout := range sqliteTimeLayouts {
		if t, err := time.Parse(layout, s.String); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognised timestamp %q", s.String)
}

// ListMonitoredTitleStats returns enabled profiles joined with their title and
// per-title chapter and task counters.
func (s *Store) ListMonitoredTitleStats(ctx context.Context, limit int) ([]models.MonitoredTitleStats, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT p.library_title_id, t.title, t.thumbnail_url, p.enabled, p.auto_download, p.strategy,
			p.preferred_variant_id, p.last_checked_at, p.last_success_at, p.last_error,
			(SELECT COUNT(*) FROM library_chapters c WHERE c.library_title_id = p.library_title_id),
			(SELECT COUNT(*) FROM library_chapters c WHERE c.library_title_id = p.library_title_id AND c.is_downloaded = 1),
			(SELECT COUNT(*) FROM download_tasks d WHERE d.library_title_id = p.library_title_id AND d.status = 'QUEUED'),
			(SELECT COUNT(*) FROM download_tasks d WHERE d.library_title_id = p.library_title_id AND d.status = 'DOWNLOADING'),
			(SELECT COUNT(*) FROM download_tasks d WHERE d.library_title_id = p.library_title_id AND d.status = 'FAILED'),
			(SELECT MAX(c.downloaded_at) FROM library_chapters c WHERE c.library_title_id = p.library_title_id)
		FROM download_profiles p
		JOIN library_titles t ON t.id = p.library_title_id
		WHERE p.enabled = 1
		ORDER BY p.updated_at DESC, p.id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []models.MonitoredTitleStats
	for rows.Next() {
		var st models.MonitoredTitleStats
		var strategy string
		var lastDownloaded sql.NullString
		if err := rows.Scan(&st.LibraryTitleID, &st.Title, &st.ThumbnailURL, &st.Enabled, &st.AutoDownload,
			&strategy, &st.PreferredVariantID, &st.LastCheckedAt, &st.LastSuccessAt, &st.LastError,
			&st.TotalChapters, &st.DownloadedChapters, &st.QueuedTasks, &st.DownloadingTasks,
			&st.FailedTasks, &lastDownloaded); err != nil {
			return nil, err
		}
		if st.Strategy, err = models.ParseStrategy(strategy); err != nil {
			return nil, err
		}
		if st.LastDownloadedAt, err = parseSQLiteTime(lastDownloaded); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
