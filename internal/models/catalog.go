package models

import "time"

// TitleMetadata is what a catalog source reports about a title.
type TitleMetadata struct {
	URL          string  `json:"url"`
	Title        string  `json:"title"`
	ThumbnailURL string  `json:"thumbnail_url"`
	Description  *string `json:"description,omitempty"`
	Artist       *string `json:"artist,omitempty"`
	Author       *string `json:"author,omitempty"`
	Genre        *string `json:"genre,omitempty"`
	Status       int     `json:"status"`
	SourceName   *string `json:"source_name,omitempty"`
	SourceLang   *string `json:"source_lang,omitempty"`
}

// ChapterMetadata is one entry of a remote chapter list.
type ChapterMetadata struct {
	URL           string    `json:"url"`
	Name          string    `json:"name"`
	DateUpload    time.Time `json:"date_upload"`
	ChapterNumber float64   `json:"chapter_number"`
	Scanlator     *string   `json:"scanlator,omitempty"`
}

// PageRef points at one remote page image.
type PageRef struct {
	Index    int    `json:"index"`
	URL      string `json:"url"`
	ImageURL string `json:"image_url"`
}
