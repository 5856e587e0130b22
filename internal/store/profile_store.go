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

const profileColumns = `id, library_title_id, enabled, auto_download, strategy, preferred_variant_id,
	start_from, last_checked_at, last_success_at, last_error, created_at, updated_at`

func scanProfile(row rowScanner) (*models.DownloadProfile, error) {
	var p models.DownloadProfile
	var strategy string
	err := row.Scan(&p.ID, &p.LibraryTitleID, &p.Enabled, &p.AutoDownload, &strategy, &p.PreferredVariantID,
		&p.StartFrom, &p.LastCheckedAt, &p.LastSuccessAt, &p.LastError, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Strategy, err = models.ParseStrategy(strategy)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) queryProfiles(ctx context.Context, query string, args ...any) ([]models.DownloadProfile, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []models.DownloadProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

// GetProfileByTitle returns the profile of a title or ErrNotFound.
func (s *Store) GetProfileByTitle(ctx context.Context, titleID int64) (*models.DownloadProfile, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+profileColumns+" FROM download_profiles WHERE library_title_id = ?", titleID)
	p, err := scanProfile(row)
	if err != nil {
		return nil, notFound(err, "download profile for title", titleID)
	}
	return p, nil
}

// GetOrCreateProfile returns the title's profile, inserting the default
// (disabled, auto-download, new chapters only) one if none exists yet.
func (s *Store) GetOrCreateProfile(ctx context.Context, titleID int64, now time.Time) (*models.DownloadProfile, error) {
	now = utc(now)
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO download_profiles (library_title_id, enabled, auto_download, strategy, created_at, updated_at)
		VALUES (?, 0, 1, ?, ?, ?)
		ON CONFLICT(library_title_id) DO NOTHING`,
		titleID, string(models.DefaultStrategy()), now, now)
	if err != nil {
		return nil, err
	}
	return s.GetProfileByTitle(ctx, titleID)
}

// ListEnabledProfiles returns up to limit enabled profiles, most recently
// updated first.
func (s *Store) ListEnabledProfiles(ctx context.Context, limit int) ([]models.DownloadProfile, error) {
	return s.queryProfiles(ctx,
		"SELECT "+profileColumns+" FROM download_profiles WHERE enabled = 1 ORDER BY updated_at DESC, id DESC LIMIT ?", limit)
}

// ListProfiles returns profiles matching the filter, most recently updated first.
func (s *Store) ListProfiles(ctx context.Context, filter models.ProfileFilter) ([]models.DownloadProfile, error) {
	var where []string
	var args []any
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.TitleID != nil {
		where = append(where, "library_title_id = ?")
		args = append(args, *filter.TitleID)
	}
	query := "SELECT " + profileColumns + " FROM download_profiles"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)
	return s.queryProfiles(ctx, query, args...)
}

// SaveProfile writes the user-editable fields of a profile.
func (s *Store) SaveProfile(ctx context.Context, p *models.DownloadProfile, now time.Time) error {
	now = utc(now)
	res, err := s.q.ExecContext(ctx, `
		UPDATE download_profiles SET enabled = ?, auto_download = ?, strategy = ?, preferred_variant_id = ?,
			start_from = ?, updated_at = ?
		WHERE id = ?`,
		p.Enabled, p.AutoDownload, string(p.Strategy), p.PreferredVariantID, utcPtr(p.StartFrom), now, p.ID)
	if err != nil {
		return err
	}
	if err := checkAffected(res, "download profile", p.ID); err != nil {
		return err
	}
	p.UpdatedAt = now
	return nil
}

// RecordProfileCheck stores the outcome of a monitor pass. A nil errMsg marks
// the check successful.
func (s *Store) RecordProfileCheck(ctx context.Context, profileID int64, errMsg *string, now time.Time) error {
	now = utc(now)
	var err error
	if errMsg == nil {
		_, err = s.q.ExecContext(ctx, `
			UPDATE download_profiles SET last_checked_at = ?, last_success_at = ?, last_error = NULL
			WHERE id = ?`, now, now, profileID)
	} else {
		_, err = s.q.ExecContext(ctx,
			"UPDATE download_profiles SET last_checked_at = ?, last_error = ? WHERE id = ?",
			now, *errMsg, profileID)
	}
	return err
}

// DisableProfile turns off monitoring for a profile and records why.
func (s *Store) DisableProfile(ctx context.Context, profileID int64, reason string, now time.Time) error {
	now = utc(now)
	_, err := s.q.ExecContext(ctx, `
		UPDATE download_profiles SET enabled = 0, last_checked_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`, now, reason, now, profileID)
	return err
}

// CountEnabledProfiles returns how many titles are monitored.
func (s *Store) CountEnabledProfiles(ctx context.Context) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM download_profiles WHERE enabled = 1").Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("count enabled profiles: %w", err)
	}
	return n, nil
}
