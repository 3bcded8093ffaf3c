// Package batch submits multiple logical FHIR operations as one wire-level
// batch Bundle and correlates the per-entry results back to their
// originating operations.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sharanreddy34/EPIC-FHIR-sub002/pkg/client"
	"github.com/sharanreddy34/EPIC-FHIR-sub002/pkg/fhir"
)

// Client is the subset of the REST client the executor needs.
type Client interface {
	Execute(ctx context.Context, method, path string, params url.Values, body []byte) (*client.Response, error)
}

// Operation is one logical request within a batch.
type Operation struct {
	// Method is the HTTP method of the entry (GET, POST, PUT, DELETE).
	Method string

	// Path is the entry's relative URL, e.g. "Patient/p1" or "Patient".
	Path string

	// Resource is the optional payload for write operations.
	Resource fhir.Resource

	// FullURL is an optional caller-supplied correlation id. Create-style
	// entries without one get a synthesized urn:uuid so relative
	// references within the batch resolve.
	FullURL string
}

// Result pairs one submitted operation with its per-entry outcome. The
// slice returned by Execute preserves input order.
type Result struct {
	Operation Operation
	Success   bool
	Status    int
	Resource  fhir.Resource
	Outcome   *fhir.OperationOutcome
	Message   string
}

// Executor builds and submits batch Bundles through the REST client.
type Executor struct {
	client Client
	logger zerolog.Logger
}

// New creates a batch executor.
func New(c Client) *Executor {
	return &Executor{
		client: c,
		logger: log.With().Str("component", "fhir-batch").Logger(),
	}
}

// Execute submits the operations as a single batch and returns one result
// per operation, in input order. Individual entry failures do not fail the
// batch; only a transport-level failure of the submission itself returns
// an error.
func (e *Executor) Execute(ctx context.Context, ops []Operation) ([]Result, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	bundle, err := buildBundle(ops)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("marshal batch bundle: %w", err)
	}

	resp, err := e.client.Execute(ctx, http.MethodPost, "", nil, body)
	if err != nil {
		return nil, err
	}

	respBundle, err := resp.Bundle()
	if err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}

	results := e.pair(ops, respBundle)

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	e.logger.Debug().
		Int("operations", len(ops)).
		Int("failed", failed).
		Msg("Batch executed")

	return results, nil
}

// buildBundle assembles the batch Bundle, preserving declared order.
func buildBundle(ops []Operation) (*fhir.Bundle, error) {
	entries := make([]fhir.BundleEntry, len(ops))
	for i, op := range ops {
		if op.Method == "" || op.Path == "" {
			return nil, fmt.Errorf("operation %d: method and path are required", i)
		}

		fullURL := op.FullURL
		if fullURL == "" && strings.EqualFold(op.Method, http.MethodPost) {
			fullURL = "urn:uuid:" + uuid.NewString()
		}

		entries[i] = fhir.BundleEntry{
			FullURL:  fullURL,
			Resource: op.Resource,
			Request: &fhir.BundleRequest{
				Method: strings.ToUpper(op.Method),
				URL:    op.Path,
			},
		}
	}

	return &fhir.Bundle{
		ResourceType: "Bundle",
		Type:         fhir.BundleTypeBatch,
		Entry:        entries,
	}, nil
}

// pair matches response entries to operations by position. The wire format
// guarantees the response mirrors submission order.
func (e *Executor) pair(ops []Operation, respBundle *fhir.Bundle) []Result {
	results := make([]Result, len(ops))
	for i, op := range ops {
		results[i].Operation = op

		if i >= len(respBundle.Entry) {
			results[i].Message = "no response entry for operation"
			continue
		}
		entry := respBundle.Entry[i]

		if entry.Response == nil {
			results[i].Message = "response entry missing status"
			continue
		}

		results[i].Status = entry.Response.StatusCode()
		results[i].Success = entry.Response.Successful()
		results[i].Resource = entry.Resource

		if !results[i].Success {
			if oo, _ := fhir.ParseOutcome([]byte(entry.Response.Outcome)); oo != nil {
				results[i].Outcome = oo
				results[i].Message = oo.Summary()
			} else if oo, _ := fhir.ParseOutcome([]byte(entry.Resource)); oo != nil {
				results[i].Outcome = oo
				results[i].Message = oo.Summary()
			} else {
				results[i].Message = entry.Response.Status
			}
		}
	}
	return results
}
