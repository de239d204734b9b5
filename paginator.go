package pipedrive

import (
	"bytes"
	"context"
	"encoding/json"
	"iter"
	"maps"
	"net/http"
)

const (
	// DefaultPageSize is the provider's default page length.
	DefaultPageSize = 100
	// MaxPageSize is the largest limit the provider accepts.
	MaxPageSize = 500
)

// Page is one slice of an offset-paginated collection.
type Page[T any] struct {
	Items     []T
	Start     int
	Limit     int
	HasMore   bool
	NextStart *int
}

// PageFetcher loads the page starting at offset start with at most limit items.
type PageFetcher[T any] func(ctx context.Context, start, limit int) (Page[T], error)

// Paginator walks an offset-paginated collection one page at a time. Pages
// are requested strictly in sequence, so results keep their API order.
type Paginator[T any] struct {
	fetch PageFetcher[T]
}

// NewPaginator wraps fetch.
func NewPaginator[T any](fetch PageFetcher[T]) *Paginator[T] {
	return &Paginator[T]{fetch: fetch}
}

// FetchPage loads a single page.
func (p *Paginator[T]) FetchPage(ctx context.Context, start, limit int) (Page[T], error) {
	return p.fetch(ctx, start, limit)
}

// FetchAll concatenates pages of pageSize items until the API reports no more
// items or maxItems have been collected. maxItems <= 0 means no bound. The
// last request asks only for what is still missing, and the result never
// exceeds maxItems. Any page error aborts the walk without partial results.
func (p *Paginator[T]) FetchAll(ctx context.Context, pageSize, maxItems int) ([]T, error) {
	var all []T
	err := p.walk(ctx, pageSize, maxItems, func(page Page[T]) bool {
		all = append(all, page.Items...)
		return true
	})
	if err != nil {
		return nil, err
	}
	if maxItems > 0 && len(all) > maxItems {
		all = all[:maxItems]
	}
	return all, nil
}

// Pages yields every page in order. Iteration ends after the last page, or
// after yielding the first error.
func (p *Paginator[T]) Pages(ctx context.Context, pageSize int) iter.Seq2[Page[T], error] {
	return func(yield func(Page[T], error) bool) {
		stopped := false
		err := p.walk(ctx, pageSize, 0, func(page Page[T]) bool {
			if !yield(page, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield(Page[T]{}, err)
		}
	}
}

func (p *Paginator[T]) walk(ctx context.Context, pageSize, maxItems int, visit func(Page[T]) bool) error {
	pageSize = clampPageSize(pageSize)
	start, collected := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		limit := pageSize
		if maxItems > 0 && maxItems-collected < limit {
			limit = maxItems - collected
		}

		page, err := p.fetch(ctx, start, limit)
		if err != nil {
			return err
		}
		collected += len(page.Items)
		if !visit(page) {
			return nil
		}

		if maxItems > 0 && collected >= maxItems {
			return nil
		}
		if !page.HasMore {
			return nil
		}
		// short pages are fine while the API says there is more, empty ones would loop
		if len(page.Items) == 0 {
			return ErrPaginationStalled
		}
		start = nextOffset(page, start, limit)
	}
}

// nextOffset follows the API's next_start when it moves forward, so a short
// page does not skip the items it left out.
func nextOffset[T any](page Page[T], start, limit int) int {
	if page.NextStart != nil && *page.NextStart > start {
		return *page.NextStart
	}
	return start + limit
}

func clampPageSize(n int) int {
	switch {
	case n <= 0:
		return DefaultPageSize
	case n > MaxPageSize:
		return MaxPageSize
	default:
		return n
	}
}

// CreatePaginator pages through a list endpoint with GET start/limit
// queries. params are sent with every page; cache applies to each page GET.
func CreatePaginator[T any](c *Client, endpoint string, params Params, cache *CacheOptions) *Paginator[T] {
	return NewPaginator(func(ctx context.Context, start, limit int) (Page[T], error) {
		query := make(Params, len(params)+2)
		maps.Copy(query, params)
		query["start"] = start
		query["limit"] = limit

		raw, err := c.Get(ctx, endpoint, query, cache)
		if err != nil {
			return Page[T]{}, err
		}
		page, err := decodePage[T](raw, start, limit)
		if err != nil {
			return Page[T]{}, &ClientError{
				Type:     ErrorTypeDecode,
				Kind:     KindTerminal,
				Message:  "list response does not match the expected shape",
				Cause:    err,
				Method:   http.MethodGet,
				Endpoint: normalizeEndpoint(endpoint),
			}
		}
		return page, nil
	})
}

type pagination struct {
	Start     *int `json:"start"`
	Limit     *int `json:"limit"`
	MoreItems bool `json:"more_items_in_collection"`
	NextStart *int `json:"next_start"`
}

// listEnvelope accepts both the Pipedrive envelope
// {success, data, additional_data.pagination} and the flat
// {items, start, limit, more_items_in_collection, next_start} form.
type listEnvelope struct {
	Data           json.RawMessage `json:"data"`
	Items          json.RawMessage `json:"items"`
	AdditionalData *struct {
		Pagination *pagination `json:"pagination"`
	} `json:"additional_data"`
	pagination
}

func decodePage[T any](raw json.RawMessage, start, limit int) (Page[T], error) {
	var env listEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Page[T]{}, err
	}

	meta := env.pagination
	if env.AdditionalData != nil && env.AdditionalData.Pagination != nil {
		meta = *env.AdditionalData.Pagination
	}

	items, err := decodeItems[T](env.Items)
	if err != nil {
		return Page[T]{}, err
	}
	if items == nil {
		if items, err = decodeItems[T](env.Data); err != nil {
			return Page[T]{}, err
		}
	}

	page := Page[T]{
		Items:     items,
		Start:     start,
		Limit:     limit,
		HasMore:   meta.MoreItems,
		NextStart: meta.NextStart,
	}
	if meta.Start != nil {
		page.Start = *meta.Start
	}
	if meta.Limit != nil {
		page.Limit = *meta.Limit
	}
	return page, nil
}

// decodeItems reads a JSON array, or the items array of a search result
// object such as {"items": [...]}. Absent and null yield nil.
func decodeItems[T any](raw json.RawMessage) ([]T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '{' {
		var wrapped struct {
			Items []T `json:"items"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, err
		}
		return wrapped.Items, nil
	}
	var items []T
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	return items, nil
}
