package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/vrsandeep/mangarr-go/internal/models"
	"github.com/vrsandeep/mangarr-go/internal/store"
)

// BaseTime is a fixed reference time for deterministic fixtures.
var BaseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// TitleFixture is a seeded library title with one variant.
type TitleFixture struct {
	Title    *models.LibraryTitle
	Variant  *models.TitleVariant
	Chapters []models.LibraryChapter
}

// RemoteChapters builds n chapter entries for titleURL, numbered from 1 and
// uploaded one day apart starting at BaseTime.
func RemoteChapters(titleURL string, n int) []models.ChapterMetadata {
	chapters := make([]models.ChapterMetadata, 0, n)
	for i := 1; i <= n; i++ {
		chapters = append(chapters, models.ChapterMetadata{
			URL:           fmt.Sprintf("%s/chapter-%d", titleURL, i),
			Name:          fmt.Sprintf("Chapter %d", i),
			ChapterNumber: float64(i),
			DateUpload:    BaseTime.AddDate(0, 0, i),
		})
	}
	return chapters
}

// SeedTitle creates a title, a variant on sourceID and n chapters.
func SeedTitle(t *testing.T, st *store.Store, sourceID, titleURL, name string, n int) TitleFixture {
	t.Helper()
	ctx := context.Background()

	title, err := st.CreateTitle(ctx, name, name, BaseTime)
	if err != nil {
		t.Fatalf("Failed to create title %q: %v", name, err)
	}
	variant, err := st.CreateVariant(ctx, title.ID, sourceID, titleURL, models.TitleMetadata{URL: titleURL, Title: name}, BaseTime)
	if err != nil {
		t.Fatalf("Failed to create variant for %q: %v", name, err)
	}
	fx := TitleFixture{Title: title, Variant: variant}
	if n > 0 {
		if _, err := st.SyncChapters(ctx, title.ID, variant.ID, RemoteChapters(titleURL, n), BaseTime); err != nil {
			t.Fatalf("Failed to seed chapters for %q: %v", name, err)
		}
	}
	fx.Chapters, err = st.ListChaptersForVariant(ctx, variant.ID)
	if err != nil {
		t.Fatalf("Failed to list seeded chapters: %v", err)
	}
	return fx
}

// QueueTask inserts a QUEUED task for a seeded chapter.
func QueueTask(t *testing.T, st *store.Store, fx TitleFixture, chapter models.LibraryChapter, priority int, availableAt time.Time) *models.DownloadTask {
	t.Helper()
	task, err := st.CreateTask(context.Background(), models.NewTask{
		LibraryTitleID: fx.Title.ID,
		VariantID:      fx.Variant.ID,
		ChapterID:      chapter.ID,
		SourceID:       fx.Variant.SourceID,
		ChapterURL:     chapter.ChapterURL,
		TitleName:      fx.Title.Title,
		ChapterName:    chapter.Name,
		Trigger:        models.TriggerManual,
		Priority:       priority,
		MaxAttempts:    3,
		AvailableAt:    availableAt,
	}, availableAt)
	if err != nil {
		t.Fatalf("Failed to queue task for chapter %d: %v", chapter.ID, err)
	}
	return task
}
