package client

import (
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// RetryPolicy decides whether a response warrants a retry and how long to
// wait first. HTTP 429 is always retriable, honoring a Retry-After header
// (seconds) when present; 5xx is retriable with exponential backoff. All
// other statuses are outside this policy — embedded OperationOutcome
// classification is handled separately.
type RetryPolicy struct {
	// MaxRetries bounds retries beyond the initial attempt.
	MaxRetries int

	// BackoffBase is the first backoff step; attempt n waits
	// base * 2^n, capped at BackoffCap.
	BackoffBase time.Duration

	// BackoffCap is the maximum single backoff wait.
	BackoffCap time.Duration
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  3,
		BackoffBase: 1 * time.Second,
		BackoffCap:  30 * time.Second,
	}
}

// retriableStatuses are the server-side statuses worth retrying.
var retriableStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// ShouldRetry reports whether the status is retriable and the wait before
// the next attempt. attempt counts completed attempts, starting at 0.
func (p RetryPolicy) ShouldRetry(statusCode int, header http.Header, attempt int) (bool, time.Duration) {
	if !retriableStatuses[statusCode] {
		return false, 0
	}

	if statusCode == http.StatusTooManyRequests {
		if wait, ok := parseRetryAfter(header); ok {
			return true, wait
		}
	}
	return true, p.Backoff(attempt)
}

// Backoff returns the exponential backoff for a given attempt with ±20%
// jitter applied, capped at BackoffCap.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := float64(p.BackoffBase) * math.Pow(2, float64(attempt))
	if capped := float64(p.BackoffCap); base > capped {
		base = capped
	}
	jittered := base * (0.8 + rand.Float64()*0.4)
	if capped := float64(p.BackoffCap); jittered > capped {
		jittered = capped
	}
	return time.Duration(jittered)
}

// parseRetryAfter reads a Retry-After header given in seconds.
func parseRetryAfter(header http.Header) (time.Duration, bool) {
	value := header.Get("Retry-After")
	if value == "" {
		return 0, false
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}
