package client

import (
	"errors"
	"fmt"

	"github.com/sharanreddy34/EPIC-FHIR-sub002/pkg/fhir"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during
	// a backoff wait.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass classifies a failed request.
type ErrorClass string

const (
	// ErrorClassAuth covers credential problems and unrecovered 401s.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassTransient covers network failures, 429 and 5xx, and
	// retriable OperationOutcomes.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassOutcome covers server-reported fatal OperationOutcomes.
	ErrorClassOutcome ErrorClass = "outcome"

	// ErrorClassClient covers non-retriable HTTP statuses (4xx).
	ErrorClassClient ErrorClass = "client"
)

// RequestError is the single error type surfaced by Execute. It records
// which classification applied and how many attempts were made, so callers
// can tell "server rejected this request" from "server was unreachable
// after N tries".
type RequestError struct {
	StatusCode int
	Class      ErrorClass
	Attempts   int
	Message    string
	Outcome    *fhir.OperationOutcome
	Err        error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	msg := e.Message
	if msg == "" && e.Outcome != nil {
		msg = e.Outcome.Summary()
	}
	if e.Err != nil {
		if msg != "" {
			return fmt.Sprintf("FHIR %s error (status %d, %d attempts): %s: %v",
				e.Class, e.StatusCode, e.Attempts, msg, e.Err)
		}
		return fmt.Sprintf("FHIR %s error (status %d, %d attempts): %v",
			e.Class, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("FHIR %s error (status %d, %d attempts): %s",
		e.Class, e.StatusCode, e.Attempts, msg)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RequestError) Unwrap() error {
	return e.Err
}
