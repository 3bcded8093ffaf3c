// Package client provides the core FHIR HTTP client with JWT bearer
// authentication, retry/backoff on transient failures, and classification
// of server-reported OperationOutcome errors.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sharanreddy34/EPIC-FHIR-sub002/pkg/auth"
	"github.com/sharanreddy34/EPIC-FHIR-sub002/pkg/fhir"
)

// Prometheus metrics for FHIR client operations.
var (
	fhirRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fhir_requests_total",
		Help: "Total FHIR requests by resource type and status",
	}, []string{"resource", "status"})

	fhirRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fhir_request_duration_seconds",
		Help:    "FHIR request duration in seconds by resource type",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"resource"})

	fhirAuthFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fhir_auth_failures_total",
		Help: "Total authentication failures (token exchange and unrecovered 401)",
	})

	fhirRateLimitHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fhir_rate_limit_hits_total",
		Help: "Total HTTP 429 responses received",
	})

	fhirOutcomeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fhir_outcome_errors_total",
		Help: "Total fatal OperationOutcome payloads received",
	})

	fhirRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fhir_retries_total",
		Help: "Total retry attempts by error class",
	}, []string{"error_class"})

	fhirRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fhir_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	fhirRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fhir_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// TokenSource supplies bearer tokens. *auth.Authenticator is the production
// implementation; tests substitute stubs.
type TokenSource interface {
	GetToken(ctx context.Context, forceRefresh bool) (auth.Token, error)
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the FHIR server root, e.g.
	// "https://fhir.example.com/api/FHIR/R4".
	BaseURL string

	// Timeout applies per HTTP call, independent of the retry budget.
	Timeout time.Duration

	// Retry policy knobs.
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// PageSize is the default _count for searches issued by pkg/search.
	PageSize int
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:     baseURL,
		Timeout:     30 * time.Second,
		MaxRetries:  3,
		BackoffBase: 1 * time.Second,
		BackoffCap:  30 * time.Second,
		PageSize:    100,
	}
}

// Client is the resilient FHIR REST client. One Client (and one shared
// TokenSource) serves all concurrent request activity in a process.
type Client struct {
	httpClient *http.Client
	tokens     TokenSource
	policy     RetryPolicy
	config     Config
	logger     zerolog.Logger
}

// Response is the outcome of a successful logical request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Bundle decodes the response body as a Bundle.
func (r *Response) Bundle() (*fhir.Bundle, error) {
	return fhir.ParseBundle(r.Body)
}

// Resource returns the response body as an opaque resource payload.
func (r *Response) Resource() fhir.Resource {
	return fhir.Resource(r.Body)
}

// New creates a new FHIR client.
func New(cfg Config, tokens TokenSource) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 1 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}

	logger := log.With().Str("component", "fhir-client").Logger()

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		tokens: tokens,
		policy: RetryPolicy{
			MaxRetries:  cfg.MaxRetries,
			BackoffBase: cfg.BackoffBase,
			BackoffCap:  cfg.BackoffCap,
		},
		config: cfg,
		logger: logger,
	}, nil
}

// PageSize returns the configured default search page size.
func (c *Client) PageSize() int {
	return c.config.PageSize
}

// Get performs a GET against a relative path or a fully qualified URL
// (pagination next links are absolute).
func (c *Client) Get(ctx context.Context, path string, params url.Values) (*Response, error) {
	return c.Execute(ctx, http.MethodGet, path, params, nil)
}

// Read fetches a single resource by type and id.
func (c *Client) Read(ctx context.Context, resourceType, id string) (fhir.Resource, error) {
	resp, err := c.Get(ctx, resourceType+"/"+id, nil)
	if err != nil {
		return nil, err
	}
	return resp.Resource(), nil
}

// Execute performs one logical request, orchestrating token acquisition,
// retry/backoff and outcome classification.
//
// Per-call state machine: ATTEMPT → success → DONE; 401 → forced token
// refresh → ATTEMPT (at most once, a second 401 is fatal); 429/5xx/network
// error/retriable outcome → WAIT → ATTEMPT (bounded by MaxRetries); fatal
// outcome, non-retriable status or exhausted budget → FAILED.
func (c *Client) Execute(ctx context.Context, method, path string, params url.Values, body []byte) (*Response, error) {
	target, err := c.buildURL(path, params)
	if err != nil {
		return nil, err
	}
	resource := resourceLabel(path)

	start := time.Now()
	defer func() {
		fhirRequestDuration.WithLabelValues(resource).Observe(time.Since(start).Seconds())
	}()

	var lastErr *RequestError
	attempts := 0
	retries := 0
	forceRefresh := false
	refreshed := false

	for {
		attempts++

		resp, reqErr := c.attempt(ctx, method, target, body, forceRefresh)
		forceRefresh = false

		if reqErr != nil {
			// Token acquisition failures are not retried here; the
			// authenticator already applied its single fresh-assertion retry.
			var tokenErr *auth.TokenError
			if errors.As(reqErr, &tokenErr) {
				fhirAuthFailuresTotal.Inc()
				fhirRequestsTotal.WithLabelValues(resource, "auth_error").Inc()
				return nil, &RequestError{
					StatusCode: tokenErr.StatusCode,
					Class:      ErrorClassAuth,
					Attempts:   attempts,
					Err:        reqErr,
				}
			}

			// Network-level failure: same treatment as 5xx.
			fhirRequestsTotal.WithLabelValues(resource, "network_error").Inc()
			lastErr = &RequestError{
				Class:    ErrorClassTransient,
				Attempts: attempts,
				Err:      reqErr,
			}
			if retries >= c.policy.MaxRetries {
				return nil, c.exhausted(lastErr)
			}
			wait := c.policy.Backoff(retries)
			retries++
			if err := c.wait(ctx, resource, wait, ErrorClassTransient, attempts); err != nil {
				return nil, err
			}
			continue
		}

		status := resp.StatusCode
		fhirRequestsTotal.WithLabelValues(resource, fmt.Sprintf("%d", status)).Inc()

		if status == http.StatusUnauthorized {
			if !refreshed {
				refreshed = true
				forceRefresh = true
				c.logger.Warn().
					Str("resource", resource).
					Msg("401 received, forcing token refresh")
				continue
			}
			fhirAuthFailuresTotal.Inc()
			return nil, &RequestError{
				StatusCode: status,
				Class:      ErrorClassAuth,
				Attempts:   attempts,
				Message:    "token rejected after forced refresh",
			}
		}

		if status >= 200 && status < 300 {
			// A 2xx can still carry a structured error. Severity and code
			// are the sole classifier; the status alone decides nothing.
			outcome, _ := fhir.ParseOutcome(resp.Body)
			if outcome == nil {
				return resp, nil
			}
			if outcome.Fatal() {
				fhirOutcomeErrorsTotal.Inc()
				c.logger.Warn().
					Str("resource", resource).
					Str("issues", outcome.Summary()).
					Msg("Fatal OperationOutcome in response")
				return nil, &RequestError{
					StatusCode: status,
					Class:      ErrorClassOutcome,
					Attempts:   attempts,
					Outcome:    outcome,
				}
			}
			if outcome.Transient() {
				lastErr = &RequestError{
					StatusCode: status,
					Class:      ErrorClassTransient,
					Attempts:   attempts,
					Outcome:    outcome,
				}
				if retries >= c.policy.MaxRetries {
					return nil, c.exhausted(lastErr)
				}
				wait := c.policy.Backoff(retries)
				retries++
				if err := c.wait(ctx, resource, wait, ErrorClassTransient, attempts); err != nil {
					return nil, err
				}
				continue
			}
			// Information/warning-level outcome payloads pass through.
			return resp, nil
		}

		if status == http.StatusTooManyRequests {
			fhirRateLimitHitsTotal.Inc()
		}

		if retry, wait := c.policy.ShouldRetry(status, resp.Header, retries); retry {
			lastErr = &RequestError{
				StatusCode: status,
				Class:      ErrorClassTransient,
				Attempts:   attempts,
				Message:    http.StatusText(status),
			}
			if retries >= c.policy.MaxRetries {
				return nil, c.exhausted(lastErr)
			}
			retries++
			if err := c.wait(ctx, resource, wait, ErrorClassTransient, attempts); err != nil {
				return nil, err
			}
			continue
		}

		// Non-retriable status. Attach the outcome when the server sent one.
		outcome, _ := fhir.ParseOutcome(resp.Body)
		class := ErrorClassClient
		if outcome != nil && outcome.Fatal() {
			fhirOutcomeErrorsTotal.Inc()
			class = ErrorClassOutcome
		}
		return nil, &RequestError{
			StatusCode: status,
			Class:      class,
			Attempts:   attempts,
			Message:    http.StatusText(status),
			Outcome:    outcome,
		}
	}
}

// attempt performs a single HTTP exchange with a fresh request and a fully
// read body, so retries never reuse a consumed reader.
func (c *Client) attempt(ctx context.Context, method, target string, body []byte, forceRefresh bool) (*Response, error) {
	token, err := c.tokens.GetToken(ctx, forceRefresh)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", token.AuthorizationValue())
	req.Header.Set("Accept", "application/fhir+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/fhir+json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// wait blocks for the backoff duration, honoring context cancellation.
func (c *Client) wait(ctx context.Context, resource string, d time.Duration, class ErrorClass, attempt int) error {
	fhirRetriesTotal.WithLabelValues(string(class)).Inc()
	fhirRetryBackoffSeconds.WithLabelValues(string(class)).Observe(d.Seconds())

	c.logger.Debug().
		Str("resource", resource).
		Int("attempt", attempt).
		Dur("backoff", d).
		Msg("Retrying request after backoff")

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
	case <-time.After(d):
		return nil
	}
}

// exhausted finalizes a transient failure whose retry budget ran out.
func (c *Client) exhausted(last *RequestError) error {
	fhirRetryExhaustedTotal.WithLabelValues(string(last.Class)).Inc()
	c.logger.Warn().
		Int("attempts", last.Attempts).
		Int("status", last.StatusCode).
		Msg("Retry attempts exhausted")

	if last.Err != nil {
		last.Err = fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, last.Attempts, last.Err)
	} else {
		last.Err = fmt.Errorf("%w after %d attempts", ErrRetryExhausted, last.Attempts)
	}
	return last
}

// buildURL resolves a relative path against the base URL and attaches query
// parameters. Fully qualified URLs (pagination next links) pass through and
// must not receive extra params.
func (c *Client) buildURL(path string, params url.Values) (string, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path, nil
	}

	base := strings.TrimSuffix(c.config.BaseURL, "/")
	target := base
	if path != "" {
		target = base + "/" + strings.TrimPrefix(path, "/")
	}

	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("build request url: %w", err)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// resourceLabel derives a low-cardinality metrics label from a request
// path: the first path segment for relative paths, or the first segment
// after the last known URL part for absolute next links.
func resourceLabel(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		if u, err := url.Parse(path); err == nil {
			path = u.Path
		}
	}
	path = strings.Trim(path, "/")
	if path == "" {
		return "batch"
	}
	if i := strings.IndexByte(path, '/'); i > 0 {
		segs := strings.Split(path, "/")
		// Use the last segment that looks like a resource type (leading
		// uppercase); base URLs often carry prefixes like /api/FHIR/R4.
		for j := len(segs) - 1; j >= 0; j-- {
			s := segs[j]
			if s != "" && s[0] >= 'A' && s[0] <= 'Z' && !strings.EqualFold(s, "R4") && !strings.EqualFold(s, "FHIR") {
				return s
			}
		}
		return segs[0]
	}
	return path
}
