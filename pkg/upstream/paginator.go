package upstream

import (
	"context"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// pageEnvelope is the list response shape shared by every upstream collection.
type pageEnvelope struct {
	Value     []json.RawMessage `json:"value" validate:"required"`
	Next      string            `json:"@pagination-next"`
	ODataNext string            `json:"@odata.nextLink"`
}

func (p *pageEnvelope) nextLink() string {
	if p.Next != "" {
		return p.Next
	}
	return p.ODataNext
}

// Page is one page of raw items plus the continuation link, if any.
type Page struct {
	Items    []json.RawMessage
	NextLink string
}

// HasNext reports whether another page can be fetched.
func (p *Page) HasNext() bool {
	return p.NextLink != ""
}

// Paginator drains continuation-linked collections through an Executor.
// The feed may change between page fetches; duplicated or missing boundary
// items are passed through as-is.
type Paginator struct {
	exec   *Executor
	logger *zap.Logger
}

// NewPaginator creates a paginator that fetches pages with exec.
func NewPaginator(exec *Executor, logger *zap.Logger) *Paginator {
	return &Paginator{
		exec:   exec,
		logger: logger.Named("paginator"),
	}
}

// DrainOne fetches a single page.
func (p *Paginator) DrainOne(ctx context.Context, url string) (*Page, error) {
	env, _, err := GetJSON[pageEnvelope](ctx, p.exec, url)
	if err != nil {
		return nil, err
	}
	page := &Page{Items: env.Value, NextLink: env.nextLink()}
	if page.NextLink == url {
		p.logger.Warn("Continuation link points at the current page, stopping", zap.String("url", url))
		page.NextLink = ""
	}
	return page, nil
}

// DrainAll follows continuation links from url until none remains or
// itemLimit items have been collected. itemLimit <= 0 means unbounded.
func (p *Paginator) DrainAll(ctx context.Context, url string, itemLimit int) ([]json.RawMessage, error) {
	var items []json.RawMessage
	visited := make(map[string]bool)
	pages := 0

	for next := url; next != ""; {
		if visited[next] {
			p.logger.Warn("Continuation link already visited, stopping",
				zap.String("url", next),
				zap.Int("pages", pages))
			break
		}
		visited[next] = true

		page, err := p.DrainOne(ctx, next)
		if err != nil {
			return items, err
		}
		pages++
		items = append(items, page.Items...)

		if itemLimit > 0 && len(items) >= itemLimit {
			items = items[:itemLimit]
			p.logger.Info("Item limit reached",
				zap.String("url", url),
				zap.Int("limit", itemLimit),
				zap.Int("pages", pages))
			break
		}
		next = page.NextLink
	}

	p.logger.Debug("Drained collection",
		zap.String("url", url),
		zap.Int("pages", pages),
		zap.Int("items", len(items)))

	return items, nil
}

// GetItem fetches a single item resource, such as <list url>/<id>.
func (p *Paginator) GetItem(ctx context.Context, url string) (json.RawMessage, error) {
	raw, _, err := GetJSON[json.RawMessage](ctx, p.exec, url)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
