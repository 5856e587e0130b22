package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vrsandeep/mangarr-go/internal/models"
)

const titleColumns = `id, canonical_key, title, thumbnail_url, description, artist, author, genre,
	status, created_at, updated_at, last_refreshed_at`

const variantColumns = `id, library_title_id, source_id, source_name, source_lang, title_url, title,
	thumbnail_url, description, artist, author, genre, status, created_at, updated_at, last_synced_at`

func scanTitle(row rowScanner) (*models.LibraryTitle, error) {
	var t models.LibraryTitle
	err := row.Scan(&t.ID, &t.CanonicalKey, &t.Title, &t.ThumbnailURL, &t.Description, &t.Artist,
		&t.Author, &t.Genre, &t.Status, &t.CreatedAt, &t.UpdatedAt, &t.LastRefreshedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanVariant(row rowScanner) (*models.TitleVariant, error) {
	var v models.TitleVariant
	err := row.Scan(&v.ID, &v.LibraryTitleID, &v.SourceID, &v.SourceName, &v.SourceLang, &v.TitleURL,
		&v.Title, &v.ThumbnailURL, &v.Description, &v.Artist, &v.Author, &v.Genre, &v.Status,
		&v.CreatedAt, &v.UpdatedAt, &v.LastSyncedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetTitle returns a library title by ID.
func (s *Store) GetTitle(ctx context.Context, id int64) (*models.LibraryTitle, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+titleColumns+" FROM library_titles WHERE id = ?", id)
	t, err := scanTitle(row)
	if err != nil {
		return nil, notFound(err, "library title", id)
	}
	return t, nil
}

// FindTitleByCanonicalKey returns the title with the given key, or ErrNotFound.
func (s *Store) FindTitleByCanonicalKey(ctx context.Context, key string) (*models.LibraryTitle, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+titleColumns+" FROM library_titles WHERE canonical_key = ? ORDER BY id LIMIT 1", key)
	t, err := scanTitle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("library title %q: %w", key, ErrNotFound)
	}
	return t, err
}

// CreateTitle inserts a library title and returns it with its new ID.
func (s *Store) CreateTitle(ctx context.Context, canonicalKey, title string, now time.Time) (*models.LibraryTitle, error) {
	now = utc(now)
	res, err := s.q.ExecContext(ctx,
		"INSERT INTO library_titles (canonical_key, title, created_at, updated_at) VALUES (?, ?, ?, ?)",
		canonicalKey, title, now, now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetTitle(ctx, id)
}

// RefreshTitleSnapshot copies catalog metadata onto the canonical title.
// Empty remote values never overwrite stored ones.
func (s *Store) RefreshTitleSnapshot(ctx context.Context, titleID int64, meta models.TitleMetadata, now time.Time) error {
	now = utc(now)
	res, err := s.q.ExecContext(ctx, `
		UPDATE library_titles SET
			title = COALESCE(NULLIF(?, ''), title),
			thumbnail_url = COALESCE(NULLIF(?, ''), thumbnail_url),
			description = COALESCE(NULLIF(?, ''), description),
			artist = COALESCE(NULLIF(?, ''), artist),
			author = COALESCE(NULLIF(?, ''), author),
			genre = COALESCE(NULLIF(?, ''), genre),
			status = ?,
			updated_at = ?,
			last_refreshed_at = ?
		WHERE id = ?`,
		meta.Title, meta.ThumbnailURL, meta.Description, meta.Artist, meta.Author, meta.Genre,
		meta.Status, now, now, titleID)
	if err != nil {
		return err
	}
	return checkAffected(res, "library title", titleID)
}

// GetVariant returns a variant by ID.
func (s *Store) GetVariant(ctx context.Context, id int64) (*models.TitleVariant, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+variantColumns+" FROM library_title_variants WHERE id = ?", id)
	v, err := scanVariant(row)
	if err != nil {
		return nil, notFound(err, "variant", id)
	}
	return v, nil
}

// FindVariantBySource returns the variant for a (source, url) pair, or ErrNotFound.
func (s *Store) FindVariantBySource(ctx context.Context, sourceID, titleURL string) (*models.TitleVariant, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+variantColumns+" FROM library_title_variants WHERE source_id = ? AND title_url = ?", sourceID, titleURL)
	v, err := scanVariant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("variant %s %s: %w", sourceID, titleURL, ErrNotFound)
	}
	return v, err
}

// LatestVariantForTitle returns the most recently synced variant of a title.
func (s *Store) LatestVariantForTitle(ctx context.Context, titleID int64) (*models.TitleVariant, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+variantColumns+` FROM library_title_variants
		WHERE library_title_id = ?
		ORDER BY last_synced_at IS NULL, last_synced_at DESC, id ASC
		LIMIT 1`, titleID)
	v, err := scanVariant(row)
	if err != nil {
		return nil, notFound(err, "variant for title", titleID)
	}
	return v, nil
}

// CreateVariant inserts a variant built from catalog metadata.
func (s *Store) CreateVariant(ctx context.Context, titleID int64, sourceID, titleURL string, meta models.TitleMetadata, now time.Time) (*models.TitleVariant, error) {
	now = utc(now)
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO library_title_variants (library_title_id, source_id, source_name, source_lang, title_url, title,
			thumbnail_url, description, artist, author, genre, status, created_at, updated_at, last_synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		titleID, sourceID, meta.SourceName, meta.SourceLang, titleURL, meta.Title, meta.ThumbnailURL,
		meta.Description, meta.Artist, meta.Author, meta.Genre, meta.Status, now, now, now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetVariant(ctx, id)
}

// RefreshVariant overwrites a variant's metadata and marks it synced.
func (s *Store) RefreshVariant(ctx context.Context, variantID int64, meta models.TitleMetadata, now time.Time) error {
	now = utc(now)
	res, err := s.q.ExecContext(ctx, `
		UPDATE library_title_variants SET
			source_name = COALESCE(?, source_name),
			source_lang = COALESCE(?, source_lang),
			title = ?, thumbnail_url = ?, description = ?, artist = ?, author = ?, genre = ?,
			status = ?, updated_at = ?, last_synced_at = ?
		WHERE id = ?`,
		meta.SourceName, meta.SourceLang, meta.Title, meta.ThumbnailURL, meta.Description, meta.Artist,
		meta.Author, meta.Genre, meta.Status, now, now, variantID)
	if err != nil {
		return err
	}
	return checkAffected(res, "variant", variantID)
}
