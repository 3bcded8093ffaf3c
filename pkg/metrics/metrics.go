// Package metrics provides the centralized Prometheus registry for the
// FHIR access layer. Metrics are defined in the packages that emit them
// (auth, client) to maintain modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the access layer.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - fhir_requests_total{resource, status} (Counter): Total requests by resource type and HTTP status
//   - fhir_request_duration_seconds{resource} (Histogram): Request duration by resource type
//   - fhir_outcome_errors_total (Counter): Responses classified as errors via OperationOutcome
//   - fhir_rate_limit_hits_total (Counter): 429 responses honored with Retry-After
//
// Retry Metrics (pkg/client):
//   - fhir_retries_total{error_class} (Counter): Retry attempts by error class
//   - fhir_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - fhir_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Auth Metrics (pkg/client):
//   - fhir_auth_failures_total (Counter): 401 responses that forced a token refresh
//
// Example Prometheus Queries:
//
//   # Request Error Rate
//   sum(rate(fhir_requests_total{status=~"5.."}[5m])) / sum(rate(fhir_requests_total[5m]))
//
//   # Rate Limiting Pressure
//   rate(fhir_rate_limit_hits_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(fhir_request_duration_seconds_bucket[5m]))
//
//   # Retry Exhaustion by Class
//   rate(fhir_retry_exhausted_total[5m])
