// Package mockcatalog is an in-memory catalog for development and tests. It
// simulates a remote source without making network calls.
package mockcatalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vrsandeep/mangarr-go/internal/catalog"
	"github.com/vrsandeep/mangarr-go/internal/models"
)

const (
	OpTitleDetails  = "FetchTitleDetails"
	OpTitleChapters = "FetchTitleChapters"
	OpChapterPages  = "FetchChapterPages"
)

type key struct {
	source string
	url    string
}

type failure struct {
	err   error
	times int
}

// Catalog is safe for concurrent use.
type Catalog struct {
	mu       sync.Mutex
	titles   map[key]models.TitleMetadata
	chapters map[key][]models.ChapterMetadata
	pages    map[key][]models.PageRef
	failures map[string]*failure
	calls    map[string]int
}

func New() *Catalog {
	return &Catalog{
		titles:   make(map[key]models.TitleMetadata),
		chapters: make(map[key][]models.ChapterMetadata),
		pages:    make(map[key][]models.PageRef),
		failures: make(map[string]*failure),
		calls:    make(map[string]int),
	}
}

// Seeded returns a catalog with generated titles whose pages point at
// imageBaseURL, e.g. "https://placehold.co/800x1200".
func Seeded(sourceID, imageBaseURL string, titles, chaptersPerTitle, pagesPerChapter int) *Catalog {
	c := New()
	for i := 1; i <= titles; i++ {
		titleURL := fmt.Sprintf("/mock-series-%d", i)
		c.SetTitle(sourceID, titleURL, models.TitleMetadata{
			URL:          titleURL,
			Title:        fmt.Sprintf("Mock Series %d", i),
			ThumbnailURL: fmt.Sprintf("https://placehold.co/400x600/2a2a2a/f0f0f0?text=Cover+%d", i),
		})
		var chapters []models.ChapterMetadata
		for n := chaptersPerTitle; n >= 1; n-- {
			chapterURL := fmt.Sprintf("%s/chapter-%d", titleURL, n)
			chapters = append(chapters, models.ChapterMetadata{
				URL:           chapterURL,
				Name:          fmt.Sprintf("Chapter %d: The Mocking", n),
				ChapterNumber: float64(n),
				DateUpload:    time.Now().UTC().AddDate(0, 0, n-chaptersPerTitle).Truncate(time.Second),
			})
			var pages []models.PageRef
			for p := 0; p < pagesPerChapter; p++ {
				pages = append(pages, models.PageRef{
					Index:    p,
					URL:      fmt.Sprintf("%s#%d", chapterURL, p),
					ImageURL: fmt.Sprintf("%s?text=Page+%d", imageBaseURL, p+1),
				})
			}
			c.SetPages(sourceID, chapterURL, pages)
		}
		c.SetChapters(sourceID, titleURL, chapters)
	}
	return c
}

func (c *Catalog) SetTitle(sourceID, titleURL string, meta models.TitleMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.titles[key{sourceID, titleURL}] = meta
}

func (c *Catalog) SetChapters(sourceID, titleURL string, chapters []models.ChapterMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chapters[key{sourceID, titleURL}] = append([]models.ChapterMetadata(nil), chapters...)
}

func (c *Catalog) SetPages(sourceID, chapterURL string, pages []models.PageRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pages == nil {
		pages = []models.PageRef{}
	}
	c.pages[key{sourceID, chapterURL}] = append([]models.PageRef(nil), pages...)
}

// Fail makes the next times calls of op for url return err.
func (c *Catalog) Fail(op, url string, err error, times int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op+" "+url] = &failure{err: err, times: times}
}

// Calls returns how many times op was invoked.
func (c *Catalog) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// enter records a call and returns an injected failure, if any.
func (c *Catalog) enter(ctx context.Context, op, url string) error {
	c.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if f, ok := c.failures[op+" "+url]; ok && f.times > 0 {
		f.times--
		return f.err
	}
	return nil
}

func notFound(op, what string) error {
	return &catalog.RemoteError{Kind: catalog.KindNotFound, Op: op, Message: what + " not found"}
}

func (c *Catalog) FetchTitleDetails(ctx context.Context, sourceID, titleURL string) (*models.TitleMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx, OpTitleDetails, titleURL); err != nil {
		return nil, err
	}
	meta, ok := c.titles[key{sourceID, titleURL}]
	if !ok {
		return nil, notFound(OpTitleDetails, "title "+titleURL)
	}
	return &meta, nil
}

func (c *Catalog) FetchTitleChapters(ctx context.Context, sourceID, titleURL string) ([]models.ChapterMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx, OpTitleChapters, titleURL); err != nil {
		return nil, err
	}
	chapters, ok := c.chapters[key{sourceID, titleURL}]
	if !ok {
		return nil, notFound(OpTitleChapters, "title "+titleURL)
	}
	return append([]models.ChapterMetadata(nil), chapters...), nil
}

func (c *Catalog) FetchChapterPages(ctx context.Context, sourceID, chapterURL string) ([]models.PageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(ctx, OpChapterPages, chapterURL); err != nil {
		return nil, err
	}
	pages, ok := c.pages[key{sourceID, chapterURL}]
	if !ok {
		return nil, notFound(OpChapterPages, "chapter "+chapterURL)
	}
	return append([]models.PageRef(nil), pages...), nil
}
