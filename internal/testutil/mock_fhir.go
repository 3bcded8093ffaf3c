// Package testutil provides testing utilities for the FHIR access layer.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines the behavior of one canned response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockFHIR is a configurable mock FHIR server. Paths can be bound to a
// fixed handler or to a scripted sequence of responses consumed one per
// request ([429, 200], [401, 401], ...).
type MockFHIR struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
	scripts  map[string][]MockResponse

	// Tracking
	RequestCount int
	LastHeader   http.Header
}

// NewMockFHIR creates a new mock FHIR server.
func NewMockFHIR() *MockFHIR {
	mock := &MockFHIR{
		handlers: make(map[string]http.HandlerFunc),
		scripts:  make(map[string][]MockResponse),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastHeader = r.Header.Clone()

		if script, ok := mock.scripts[r.URL.Path]; ok && len(script) > 0 {
			next := script[0]
			if len(script) > 1 {
				mock.scripts[r.URL.Path] = script[1:]
			}
			mock.mu.Unlock()
			writeMockResponse(w, next)
			return
		}
		handler, ok := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if ok {
			handler(w, r)
			return
		}
		http.NotFound(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockFHIR) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockFHIR) Close() {
	m.server.Close()
}

// Requests returns the number of requests received.
func (m *MockFHIR) Requests() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// SetHandler binds a custom handler to a path.
func (m *MockFHIR) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse binds a single fixed response to a path.
func (m *MockFHIR) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeMockResponse(w, resp)
	})
}

// Script binds an ordered response sequence to a path. The final response
// repeats once the script is consumed.
func (m *MockFHIR) Script(path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[path] = responses
}

func writeMockResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// SearchPage renders a searchset Bundle body with the given resource
// payloads and an optional next link.
func SearchPage(next string, resources ...string) string {
	entries := make([]map[string]json.RawMessage, len(resources))
	for i, r := range resources {
		entries[i] = map[string]json.RawMessage{"resource": json.RawMessage(r)}
	}

	bundle := map[string]any{
		"resourceType": "Bundle",
		"type":         "searchset",
		"entry":        entries,
	}
	if next != "" {
		bundle["link"] = []map[string]string{{"relation": "next", "url": next}}
	}

	data, err := json.Marshal(bundle)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// Patient renders a minimal Patient payload with the given id.
func Patient(id string) string {
	return fmt.Sprintf(`{"resourceType":"Patient","id":"%s"}`, id)
}

// OutcomeBody renders an OperationOutcome with a single issue.
func OutcomeBody(severity, code, diagnostics string) string {
	return fmt.Sprintf(
		`{"resourceType":"OperationOutcome","issue":[{"severity":"%s","code":"%s","diagnostics":"%s"}]}`,
		severity, code, diagnostics)
}
