// Package catalog defines the client used to read title, chapter and page
// metadata from remote sources.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vrsandeep/mangarr-go/internal/models"
)

// Client fetches metadata for a (source, url) pair. Implementations return
// *RemoteError for failures they can classify.
type Client interface {
	FetchTitleDetails(ctx context.Context, sourceID, titleURL string) (*models.TitleMetadata, error)
	FetchTitleChapters(ctx context.Context, sourceID, titleURL string) ([]models.ChapterMetadata, error)
	FetchChapterPages(ctx context.Context, sourceID, chapterURL string) ([]models.PageRef, error)
}

// Kind classifies a remote failure.
type Kind string

const (
	KindNotFound    Kind = "not_found"
	KindUnavailable Kind = "unavailable"
	KindTimeout     Kind = "timeout"
	KindOther       Kind = "other"
)

// RemoteError is a failed catalog call.
type RemoteError struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// KindOf classifies any error returned by a Client.
func KindOf(err error) Kind {
	var re *RemoteError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &re):
		return re.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindOther
	}
}

// IsNotFound reports whether the remote side said the resource does not exist.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

type timeoutClient struct {
	next    Client
	timeout time.Duration
}

// WithTimeout bounds every call of next by d.
func WithTimeout(next Client, d time.Duration) Client {
	if d <= 0 {
		return next
	}
	return &timeoutClient{next: next, timeout: d}
}

func (c *timeoutClient) wrap(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return &RemoteError{Kind: KindTimeout, Op: op, Message: fmt.Sprintf("no response within %s", c.timeout), Err: err}
	}
	return err
}

func (c *timeoutClient) FetchTitleDetails(ctx context.Context, sourceID, titleURL string) (*models.TitleMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	meta, err := c.next.FetchTitleDetails(ctx, sourceID, titleURL)
	return meta, c.wrap(ctx, "FetchTitleDetails", err)
}

func (c *timeoutClient) FetchTitleChapters(ctx context.Context, sourceID, titleURL string) ([]models.ChapterMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	chapters, err := c.next.FetchTitleChapters(ctx, sourceID, titleURL)
	return chapters, c.wrap(ctx, "FetchTitleChapters", err)
}

func (c *timeoutClient) FetchChapterPages(ctx context.Context, sourceID, chapterURL string) ([]models.PageRef, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	pages, err := c.next.FetchChapterPages(ctx, sourceID, chapterURL)
	return pages, c.wrap(ctx, "FetchChapterPages", err)
}
