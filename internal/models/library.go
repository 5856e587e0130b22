package models

import "time"

// LibraryTitle is a canonical title saved in the user library.
type LibraryTitle struct {
	ID              int64      `json:"id"`
	CanonicalKey    string     `json:"canonical_key"`
	Title           string     `json:"title"`
	ThumbnailURL    string     `json:"thumbnail_url"`
	Description     *string    `json:"description"`
	Artist          *string    `json:"artist"`
	Author          *string    `json:"author"`
	Genre           *string    `json:"genre"`
	Status          int        `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastRefreshedAt *time.Time `json:"last_refreshed_at"`
}

// TitleVariant is one source-specific instance of a library title.
type TitleVariant struct {
	ID             int64      `json:"id"`
	LibraryTitleID int64      `json:"library_title_id"`
	SourceID       string     `json:"source_id"`
	SourceName     *string    `json:"source_name"`
	SourceLang     *string    `json:"source_lang"`
	TitleURL       string     `json:"title_url"`
	Title          string     `json:"title"`
	ThumbnailURL   string     `json:"thumbnail_url"`
	Description    *string    `json:"description"`
	Artist         *string    `json:"artist"`
	Author         *string    `json:"author"`
	Genre          *string    `json:"genre"`
	Status         int        `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastSyncedAt   *time.Time `json:"last_synced_at"`
}

// LibraryChapter is a persisted chapter of a variant.
type LibraryChapter struct {
	ID             int64      `json:"id"`
	LibraryTitleID int64      `json:"library_title_id"`
	VariantID      int64      `json:"variant_id"`
	ChapterURL     string     `json:"chapter_url"`
	Name           string     `json:"name"`
	ChapterNumber  float64    `json:"chapter_number"`
	Scanlator      *string    `json:"scanlator"`
	DateUpload     time.Time  `json:"date_upload"`
	Position       int        `json:"position"`
	IsRead         bool       `json:"is_read"`
	IsDownloaded   bool       `json:"is_downloaded"`
	DownloadedAt   *time.Time `json:"downloaded_at"`
	DownloadPath   *string    `json:"download_path"`
	DownloadError  *string    `json:"download_error"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastSyncedAt   *time.Time `json:"last_synced_at"`
}

// ChapterPage is a page row keyed by (chapter, index).
type ChapterPage struct {
	ID        int64     `json:"id"`
	ChapterID int64     `json:"chapter_id"`
	PageIndex int       `json:"page_index"`
	URL       string    `json:"url"`
	ImageURL  string    `json:"image_url"`
	LocalPath *string   `json:"local_path"`
	LocalSize *int64    `json:"local_size"`
	FetchedAt time.Time `json:"fetched_at"`
}

// ChapterSyncResult reports what a chapter reconciliation changed.
type ChapterSyncResult struct {
	Inserted []LibraryChapter
	Updated  int
	// Removed holds the deleted chapters so their files can be cleaned up.
	Removed []LibraryChapter
}

type LibraryImportRequest struct {
	SourceID string `json:"source_id"`
	TitleURL string `json:"title_url"`
}

type LibraryImportResult struct {
	LibraryTitleID int64 `json:"library_title_id"`
	VariantID      int64 `json:"variant_id"`
	Created        bool  `json:"created"`
}
