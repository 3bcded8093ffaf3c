// Package fetch provides parallel retrieval of FHIR resources by id
// through a bounded worker pool.
package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sharanreddy34/EPIC-FHIR-sub002/pkg/fhir"
)

// Reader is the interface the REST client implements for single-resource reads.
type Reader interface {
	Read(ctx context.Context, resourceType, id string) (fhir.Resource, error)
}

// Config holds fetcher configuration.
type Config struct {
	// MaxConcurrency is the maximum number of parallel reads.
	MaxConcurrency int
	// Timeout per single-resource read.
	Timeout time.Duration
}

// DefaultConfig returns safe defaults for a typical FHIR server.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 5,
		Timeout:        15 * time.Second,
	}
}

// Fetcher retrieves many resources of one type in parallel.
type Fetcher struct {
	reader Reader
	config Config
	logger zerolog.Logger
}

// New creates a fetcher. Zero config fields fall back to defaults.
func New(reader Reader, config Config) *Fetcher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}

	return &Fetcher{
		reader: reader,
		config: config,
		logger: log.With().Str("component", "fhir-fetch").Logger(),
	}
}

type readResult struct {
	id       string
	resource fhir.Resource
	err      error
}

// FetchMany reads every id in parallel and returns the resources that
// succeeded keyed by id, plus the per-id errors for those that did not.
// A failed read never aborts the others. Cancelling the context stops
// scheduling; ids never attempted appear in neither map.
func (f *Fetcher) FetchMany(ctx context.Context, resourceType string, ids []string) (map[string]fhir.Resource, map[string]error) {
	start := time.Now()

	resources := make(map[string]fhir.Resource, len(ids))
	failures := make(map[string]error)
	if len(ids) == 0 {
		return resources, failures
	}

	queue := make(chan string, len(ids))
	results := make(chan readResult, len(ids))

	go func() {
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			queue <- id
		}
		close(queue)
	}()

	workers := f.config.MaxConcurrency
	if workers > len(ids) {
		workers = len(ids)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go f.worker(ctx, resourceType, queue, results, &wg, i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		if res.err != nil {
			f.logger.Warn().
				Err(res.err).
				Str("resource_type", resourceType).
				Str("id", res.id).
				Msg("Resource fetch failed")
			failures[res.id] = res.err
			continue
		}
		resources[res.id] = res.resource
	}

	f.logger.Debug().
		Str("resource_type", resourceType).
		Int("requested", len(ids)).
		Int("fetched", len(resources)).
		Int("failed", len(failures)).
		Dur("duration", time.Since(start)).
		Msg("Parallel fetch complete")

	return resources, failures
}

// worker reads ids off the queue until it drains or the context ends.
func (f *Fetcher) worker(ctx context.Context, resourceType string, queue <-chan string, results chan<- readResult, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()

	for id := range queue {
		select {
		case <-ctx.Done():
			f.logger.Debug().
				Int("worker_id", workerID).
				Msg("Worker stopping (context cancelled)")
			return
		default:
		}

		readCtx, cancel := context.WithTimeout(ctx, f.config.Timeout)
		resource, err := f.reader.Read(readCtx, resourceType, id)
		cancel()

		select {
		case results <- readResult{id: id, resource: resource, err: err}:
		case <-ctx.Done():
			return
		}
	}
}
