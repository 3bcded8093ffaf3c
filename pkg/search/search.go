// Package search implements paginated FHIR searches as a flat, lazily
// fetched sequence of resources. Page boundaries are an implementation
// detail: callers iterate resources and never see pages.
package search

import (
	"context"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sharanreddy34/EPIC-FHIR-sub002/pkg/client"
	"github.com/sharanreddy34/EPIC-FHIR-sub002/pkg/fhir"
)

// Client is the subset of the REST client the iterator needs.
type Client interface {
	Get(ctx context.Context, path string, params url.Values) (*client.Response, error)
	PageSize() int
}

// Options bound an iteration.
type Options struct {
	// MaxPages stops iteration after this many page fetches (0 = unlimited).
	MaxPages int

	// MaxItems stops iteration after this many yielded resources, even
	// mid-page (0 = unlimited).
	MaxItems int

	// PageSize overrides the client's default _count.
	PageSize int
}

// Iterator walks search results across next-link pages. It is not
// restartable: each page fetch is a side effect through the client.
// Not safe for concurrent use.
type Iterator struct {
	client       Client
	resourceType string
	params       url.Values
	opts         Options
	logger       zerolog.Logger

	started bool
	next    string
	buf     []fhir.Resource
	idx     int
	pages   int
	yielded int
	done    bool
	err     error
}

// New creates an iterator for a search over resourceType with the given
// query parameters. Parameters are attached only to the first request;
// next links arrive fully qualified.
func New(c Client, resourceType string, params url.Values, opts Options) *Iterator {
	return &Iterator{
		client:       c,
		resourceType: resourceType,
		params:       params,
		opts:         opts,
		logger: log.With().
			Str("component", "fhir-search").
			Str("resource", resourceType).
			Logger(),
	}
}

// Next advances to the next resource. It returns false when the sequence
// is exhausted or a fetch failed; check Err afterwards.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if it.opts.MaxItems > 0 && it.yielded >= it.opts.MaxItems {
		return false
	}

	for it.idx >= len(it.buf) {
		if it.done {
			return false
		}
		if !it.fetchPage(ctx) {
			return false
		}
	}

	it.idx++
	it.yielded++
	return true
}

// Resource returns the resource produced by the last successful Next.
func (it *Iterator) Resource() fhir.Resource {
	return it.buf[it.idx-1]
}

// Err returns the first error encountered during iteration, classified by
// the client; iteration stops at the first failure.
func (it *Iterator) Err() error {
	return it.err
}

// Pages returns the number of pages fetched so far.
func (it *Iterator) Pages() int {
	return it.pages
}

// fetchPage loads the next page into the buffer. Returns false when there
// is nothing further to fetch or the fetch failed.
func (it *Iterator) fetchPage(ctx context.Context) bool {
	if it.opts.MaxPages > 0 && it.pages >= it.opts.MaxPages {
		it.done = true
		return false
	}

	var resp *client.Response
	var err error

	if !it.started {
		it.started = true
		resp, err = it.client.Get(ctx, it.resourceType, it.firstPageParams())
	} else {
		if it.next == "" {
			it.done = true
			return false
		}
		resp, err = it.client.Get(ctx, it.next, nil)
	}
	if err != nil {
		it.err = err
		return false
	}

	bundle, err := resp.Bundle()
	if err != nil {
		it.err = err
		return false
	}

	it.pages++
	it.buf = bundle.Resources()
	it.idx = 0
	it.next = bundle.NextLink()
	if it.next == "" {
		it.done = true
	}

	it.logger.Debug().
		Int("page", it.pages).
		Int("entries", len(it.buf)).
		Bool("has_next", it.next != "").
		Msg("Fetched search page")

	return true
}

// firstPageParams clones the caller's params and applies the _count
// default without mutating the original values.
func (it *Iterator) firstPageParams() url.Values {
	params := url.Values{}
	for k, vs := range it.params {
		for _, v := range vs {
			params.Add(k, v)
		}
	}
	if params.Get("_count") == "" {
		size := it.opts.PageSize
		if size <= 0 {
			size = it.client.PageSize()
		}
		if size > 0 {
			params.Set("_count", strconv.Itoa(size))
		}
	}
	return params
}

// All drains an iteration into a slice. Intended for small result sets;
// large extractions should iterate.
func All(ctx context.Context, c Client, resourceType string, params url.Values, opts Options) ([]fhir.Resource, error) {
	it := New(c, resourceType, params, opts)
	var out []fhir.Resource
	for it.Next(ctx) {
		out = append(out, it.Resource())
	}
	return out, it.Err()
}
