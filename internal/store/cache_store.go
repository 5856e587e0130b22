package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetCacheValue returns a persisted cache value. ok is false when the key is unknown.
func (s *Store) GetCacheValue(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.q.QueryRowContext(ctx, "SELECT value FROM cache_entries WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetCacheValue stores or replaces a cache value.
func (s *Store) SetCacheValue(ctx context.Context, key, value string, now time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, utc(now))
	return err
}

// LastRun returns the last recorded run of a scheduled job.
func (s *Store) LastRun(ctx context.Context, key string) (time.Time, bool, error) {
	raw, ok, err := s.GetCacheValue(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("cache entry %s holds invalid time %q: %w", key, raw, err)
	}
	return t, true, nil
}

// SaveLastRun records when a scheduled job last ran.
func (s *Store) SaveLastRun(ctx context.Context, key string, at time.Time) error {
	return s.SetCacheValue(ctx, key, at.UTC().Format(time.RFC3339Nano), time.Now())
}
