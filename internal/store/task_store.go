package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vrsandeep/mangarr-go/internal/models"
)

const taskColumns = `id, library_title_id, variant_id, chapter_id, source_id, chapter_url, title_name,
	chapter_name, status, "trigger", priority, attempts, max_attempts, available_at, downloaded_pages,
	total_pages, output_dir, error, started_at, finished_at, claimed_by, created_at, updated_at`

func scanTask(row rowScanner) (*models.DownloadTask, error) {
	var t models.DownloadTask
	var status, trigger string
	err := row.Scan(&t.ID, &t.LibraryTitleID, &t.VariantID, &t.ChapterID, &t.SourceID, &t.ChapterURL,
		&t.TitleName, &t.ChapterName, &status, &trigger, &t.Priority, &t.Attempts, &t.MaxAttempts,
		&t.AvailableAt, &t.DownloadedPages, &t.TotalPages, &t.OutputDir, &t.Error, &t.StartedAt,
		&t.FinishedAt, &t.ClaimedBy, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if t.Status, err = models.ParseTaskStatus(status); err != nil {
		return nil, err
	}
	t.Trigger = models.Trigger(trigger)
	if !t.Trigger.Valid() {
		return nil, fmt.Errorf("invalid task trigger %q", trigger)
	}
	return &t, nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]models.DownloadTask, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []models.DownloadTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// GetTask returns a task by ID.
func (s *Store) GetTask(ctx context.Context, id int64) (*models.DownloadTask, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM download_tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFound(err, "download task", id)
	}
	return t, nil
}

// FindActiveTaskForChapter returns the QUEUED or DOWNLOADING task of a chapter,
// or ErrNotFound.
func (s *Store) FindActiveTaskForChapter(ctx context.Context, chapterID int64) (*models.DownloadTask, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM download_tasks
		WHERE chapter_id = ? AND status IN ('QUEUED', 'DOWNLOADING')
		ORDER BY id LIMIT 1`, chapterID)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFound(err, "active task for chapter", chapterID)
	}
	return t, nil
}

// CreateTask inserts a QUEUED task.
func (s *Store) CreateTask(ctx context.Context, nt models.NewTask, now time.Time) (*models.DownloadTask, error) {
	now = utc(now)
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO download_tasks (library_title_id, variant_id, chapter_id, source_id, chapter_url, title_name,
			chapter_name, status, "trigger", priority, attempts, max_attempts, available_at,
			downloaded_pages, total_pages, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'QUEUED', ?, ?, 0, ?, ?, 0, 0, ?, ?)`,
		nt.LibraryTitleID, nt.VariantID, nt.ChapterID, nt.SourceID, nt.ChapterURL, nt.TitleName,
		nt.ChapterName, string(nt.Trigger), nt.Priority, nt.MaxAttempts, utc(nt.AvailableAt), now, now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, id)
}

// ClaimNextTask moves the most urgent eligible QUEUED task to DOWNLOADING in a
// single statement, so two claimers can never take the same task. ok is false
// when nothing is eligible.
func (s *Store) ClaimNextTask(ctx context.Context, claimer string, now time.Time) (task *models.DownloadTask, ok bool, err error) {
	now = utc(now)
	var id int64
	err = s.q.QueryRowContext(ctx, `
		UPDATE download_tasks
		SET status = 'DOWNLOADING', attempts = attempts + 1, error = NULL, started_at = ?,
			finished_at = NULL, claimed_by = ?, updated_at = ?
		WHERE status = 'QUEUED' AND id = (
			SELECT id FROM download_tasks
			WHERE status = 'QUEUED' AND available_at <= ?
			ORDER BY priority ASC, created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING id`, now, claimer, now, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim next task: %w", err)
	}
	task, err = s.GetTask(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return task, true, nil
}

// GetTaskStatus returns only the status column, for cooperative cancel checks.
func (s *Store) GetTaskStatus(ctx context.Context, id int64) (models.TaskStatus, error) {
	var raw string
	err := s.q.QueryRowContext(ctx, "SELECT status FROM download_tasks WHERE id = ?", id).Scan(&raw)
	if err != nil {
		return "", notFound(err, "download task", id)
	}
	return models.ParseTaskStatus(raw)
}

// The worker transitions below only apply while the task is still DOWNLOADING;
// they report false when the task was cancelled or reclaimed in the meantime.

func (s *Store) execWhileDownloading(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.q.ExecContext(ctx, query+" AND status = 'DOWNLOADING'", args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpdateTaskProgress stores mid-download progress.
func (s *Store) UpdateTaskProgress(ctx context.Context, id int64, p models.TaskProgress, now time.Time) (bool, error) {
	return s.execWhileDownloading(ctx, `
		UPDATE download_tasks SET downloaded_pages = ?, total_pages = ?, output_dir = ?, updated_at = ?
		WHERE id = ?`, p.DownloadedPages, p.TotalPages, p.OutputDir, utc(now), id)
}

// CompleteTask marks a claimed task COMPLETED. outputDir may be nil when the
// chapter had already been downloaded elsewhere.
func (s *Store) CompleteTask(ctx context.Context, id int64, outputDir *string, now time.Time) (bool, error) {
	now = utc(now)
	return s.execWhileDownloading(ctx, `
		UPDATE download_tasks SET status = 'COMPLETED', error = NULL, finished_at = ?,
			output_dir = COALESCE(?, output_dir), claimed_by = NULL, updated_at = ?
		WHERE id = ?`, now, outputDir, now, id)
}

// FinishTask moves a claimed task to a terminal FAILED or CANCELLED state.
func (s *Store) FinishTask(ctx context.Context, id int64, status models.TaskStatus, message string, now time.Time) (bool, error) {
	switch status {
	case models.TaskFailed, models.TaskCancelled:
	case models.TaskQueued, models.TaskDownloading, models.TaskCompleted:
		return false, fmt.Errorf("finish task %d: %s is not a failure status", id, status)
	default:
		return false, fmt.Errorf("finish task %d: unknown status %q", id, status)
	}
	now = utc(now)
	return s.execWhileDownloading(ctx, `
		UPDATE download_tasks SET status = ?, error = ?, finished_at = ?, claimed_by = NULL, updated_at = ?
		WHERE id = ?`, string(status), message, now, now, id)
}

// RequeueTask returns a failed attempt to the queue until availableAt.
func (s *Store) RequeueTask(ctx context.Context, id int64, message string, availableAt, now time.Time) (bool, error) {
	return s.execWhileDownloading(ctx, `
		UPDATE download_tasks SET status = 'QUEUED', error = ?, available_at = ?, claimed_by = NULL, updated_at = ?
		WHERE id = ?`, message, utc(availableAt), utc(now), id)
}

// ReleaseClaim undoes a claim that was interrupted before it could finish,
// giving the attempt back.
func (s *Store) ReleaseClaim(ctx context.Context, id int64, message string, now time.Time) (bool, error) {
	now = utc(now)
	return s.execWhileDownloading(ctx, `
		UPDATE download_tasks SET status = 'QUEUED', attempts = MAX(attempts - 1, 0), error = ?,
			available_at = ?, claimed_by = NULL, updated_at = ?
		WHERE id = ?`, message, now, now, id)
}

// ReclaimStaleTasks re-queues DOWNLOADING tasks claimed before cutoff.
func (s *Store) ReclaimStaleTasks(ctx context.Context, cutoff, now time.Time) (int64, error) {
	now = utc(now)
	res, err := s.q.ExecContext(ctx, `
		UPDATE download_tasks SET status = 'QUEUED', available_at = ?, error = 'Reclaimed stale claim',
			claimed_by = NULL, updated_at = ?
		WHERE status = 'DOWNLOADING' AND (started_at IS NULL OR started_at < ?)`,
		now, now, utc(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResetForeignClaims re-queues DOWNLOADING tasks not claimed by claimer,
// however recent the claim. It is run once at startup and assumes no other
// worker of this database is alive at that moment.
func (s *Store) ResetForeignClaims(ctx context.Context, claimer string, now time.Time) (int64, error) {
	now = utc(now)
	res, err := s.q.ExecContext(ctx, `
		UPDATE download_tasks SET status = 'QUEUED', available_at = ?, error = 'Interrupted by restart',
			claimed_by = NULL, updated_at = ?
		WHERE status = 'DOWNLOADING' AND (claimed_by IS NULL OR claimed_by != ?)`,
		now, now, claimer)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RequeueTaskNow puts a task back in the queue immediately, clearing its
// error and finish time. It is the store side of a manual retry.
func (s *Store) RequeueTaskNow(ctx context.Context, id int64, now time.Time) error {
	now = utc(now)
	res, err := s.q.ExecContext(ctx, `
		UPDATE download_tasks SET status = 'QUEUED', available_at = ?, error = NULL, finished_at = NULL,
			claimed_by = NULL, updated_at = ?
		WHERE id = ?`, now, now, id)
	if err != nil {
		return err
	}
	return checkAffected(res, "download task", id)
}

// CancelActiveTask cancels a QUEUED or DOWNLOADING task. It reports false if
// the task had already left those states.
func (s *Store) CancelActiveTask(ctx context.Context, id int64, now time.Time) (bool, error) {
	now = utc(now)
	res, err := s.q.ExecContext(ctx, `
		UPDATE download_tasks SET status = 'CANCELLED', finished_at = ?, claimed_by = NULL, updated_at = ?
		WHERE id = ? AND status IN ('QUEUED', 'DOWNLOADING')`, now, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, filter models.TaskFilter) ([]models.DownloadTask, error) {
	var where []string
	var args []any
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.TitleID != nil {
		where = append(where, "library_title_id = ?")
		args = append(args, *filter.TitleID)
	}
	query := "SELECT " + taskColumns + " FROM download_tasks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)
	return s.queryTasks(ctx, query, args...)
}

// ListActiveTasks returns queued, running and failed tasks in claim order.
func (s *Store) ListActiveTasks(ctx context.Context, limit int) ([]models.DownloadTask, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM download_tasks
		WHERE status IN ('QUEUED', 'DOWNLOADING', 'FAILED')
		ORDER BY priority ASC, created_at ASC, id ASC LIMIT ?`, limit)
}

// ListRecentTasks returns completed and cancelled tasks, latest finished first.
func (s *Store) ListRecentTasks(ctx context.Context, limit int) ([]models.DownloadTask, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM download_tasks
		WHERE status IN ('COMPLETED', 'CANCELLED')
		ORDER BY finished_at DESC, id DESC LIMIT ?`, limit)
}

// CountTasksByStatus returns the number of tasks in every status.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT status, COUNT(*) FROM download_tasks GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int, len(models.TaskStatuses))
	for _, st := range models.TaskStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var raw string
		var n int
		if err := rows.Scan(&raw, &n); err != nil {
			return nil, err
		}
		st, err := models.ParseTaskStatus(raw)
		if err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}
