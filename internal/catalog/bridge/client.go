// Package bridge talks to the extension bridge over JSON-RPC 2.0 on HTTP.
package bridge

import (
	"context"
	"errors"
	"net"
	"net/url"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/jhttp"
	"github.com/vrsandeep/mangarr-go/internal/catalog"
	"github.com/vrsandeep/mangarr-go/internal/models"
)

// Method names served by the bridge.
const (
	MethodTitleDetails  = "Catalog.TitleDetails"
	MethodTitleChapters = "Catalog.TitleChapters"
	MethodChapterPages  = "Catalog.ChapterPages"
)

// Error codes the bridge uses for classified failures.
const (
	CodeNotFound    = jrpc2.Code(-32004)
	CodeUnavailable = jrpc2.Code(-32003)
	CodeTimeout     = jrpc2.Code(-32008)
)

// TitleParams addresses a title on a source.
type TitleParams struct {
	SourceID string `json:"source_id"`
	TitleURL string `json:"title_url"`
}

// ChapterParams addresses a chapter on a source.
type ChapterParams struct {
	SourceID   string `json:"source_id"`
	ChapterURL string `json:"chapter_url"`
}

// Client implements catalog.Client against a bridge endpoint.
type Client struct {
	rpc *jrpc2.Client
}

// New connects to the bridge JSON-RPC endpoint at endpoint.
func New(endpoint string) *Client {
	ch := jhttp.NewChannel(endpoint, nil)
	return &Client{rpc: jrpc2.NewClient(ch, nil)}
}

// Close releases the underlying channel.
func (c *Client) Close() error {
	return c.rpc.Close()
}

func (c *Client) FetchTitleDetails(ctx context.Context, sourceID, titleURL string) (*models.TitleMetadata, error) {
	var meta models.TitleMetadata
	if err := c.rpc.CallResult(ctx, MethodTitleDetails, TitleParams{SourceID: sourceID, TitleURL: titleURL}, &meta); err != nil {
		return nil, classify("FetchTitleDetails", err)
	}
	return &meta, nil
}

func (c *Client) FetchTitleChapters(ctx context.Context, sourceID, titleURL string) ([]models.ChapterMetadata, error) {
	var chapters []models.ChapterMetadata
	if err := c.rpc.CallResult(ctx, MethodTitleChapters, TitleParams{SourceID: sourceID, TitleURL: titleURL}, &chapters); err != nil {
		return nil, classify("FetchTitleChapters", err)
	}
	return chapters, nil
}

func (c *Client) FetchChapterPages(ctx context.Context, sourceID, chapterURL string) ([]models.PageRef, error) {
	var pages []models.PageRef
	if err := c.rpc.CallResult(ctx, MethodChapterPages, ChapterParams{SourceID: sourceID, ChapterURL: chapterURL}, &pages); err != nil {
		return nil, classify("FetchChapterPages", err)
	}
	return pages, nil
}

func classify(op string, err error) error {
	var rpcErr *jrpc2.Error
	if errors.As(err, &rpcErr) {
		kind := catalog.KindOther
		switch rpcErr.Code {
		case CodeNotFound:
			kind = catalog.KindNotFound
		case CodeUnavailable:
			kind = catalog.KindUnavailable
		case CodeTimeout:
			kind = catalog.KindTimeout
		}
		return &catalog.RemoteError{Kind: kind, Op: op, Message: rpcErr.Message, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &catalog.RemoteError{Kind: catalog.KindTimeout, Op: op, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) || errors.Is(err, jrpc2.ErrConnClosed) {
		return &catalog.RemoteError{Kind: catalog.KindUnavailable, Op: op, Err: err}
	}
	return &catalog.RemoteError{Kind: catalog.KindOther, Op: op, Err: err}
}
