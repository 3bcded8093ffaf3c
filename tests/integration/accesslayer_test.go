package integration

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sharanreddy34/EPIC-FHIR-sub002/internal/testutil"
	"github.com/sharanreddy34/EPIC-FHIR-sub002/pkg/auth"
	"github.com/sharanreddy34/EPIC-FHIR-sub002/pkg/batch"
	"github.com/sharanreddy34/EPIC-FHIR-sub002/pkg/client"
	"github.com/sharanreddy34/EPIC-FHIR-sub002/pkg/fetch"
	"github.com/sharanreddy34/EPIC-FHIR-sub002/pkg/search"
)

// tokenEndpoint is a minimal SMART Backend Services authorization server.
// It verifies the signed assertion before issuing a token.
func tokenEndpoint(t *testing.T, pub *rsa.PublicKey, exchanges *int32) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse token form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type = %q, want client_credentials", got)
		}
		if got := r.PostForm.Get("client_assertion_type"); got != auth.ClientAssertionType {
			t.Errorf("client_assertion_type = %q", got)
		}
		if _, err := auth.VerifyAssertion(r.PostForm.Get("client_assertion"), pub); err != nil {
			t.Errorf("assertion verification failed: %v", err)
		}

		atomic.AddInt32(exchanges, 1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "integration-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
}

// setupAccessLayer wires an authenticator against a mock authorization
// server and a REST client against a mock FHIR server.
func setupAccessLayer(t *testing.T, mock *testutil.MockFHIR) (*client.Client, *int32, func()) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	var exchanges int32
	tokenServer := tokenEndpoint(t, &key.PublicKey, &exchanges)

	authenticator, err := auth.New(auth.Credentials{
		ClientID:   "integration-client",
		PrivateKey: key,
		KeyID:      "integration-key",
		TokenURL:   tokenServer.URL,
		Scope:      "system/*.read",
	})
	if err != nil {
		t.Fatalf("auth.New() error = %v", err)
	}

	cfg := client.DefaultConfig(mock.URL())
	cfg.BackoffBase = 10 * time.Millisecond
	c, err := client.New(cfg, authenticator)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}

	return c, &exchanges, tokenServer.Close
}

func TestAccessLayer_SearchWithRealTokenExchange(t *testing.T) {
	mock := testutil.NewMockFHIR()
	defer mock.Close()

	mock.SetResponse("/Patient", testutil.MockResponse{
		StatusCode: 200,
		Body: testutil.SearchPage(mock.URL()+"/page2",
			testutil.Patient("p1"), testutil.Patient("p2")),
	})
	mock.SetResponse("/page2", testutil.MockResponse{
		StatusCode: 200,
		Body:       testutil.SearchPage("", testutil.Patient("p3")),
	})

	c, exchanges, cleanup := setupAccessLayer(t, mock)
	defer cleanup()

	resources, err := search.All(context.Background(), c, "Patient", nil, search.Options{})
	if err != nil {
		t.Fatalf("search.All() error = %v", err)
	}
	if len(resources) != 3 {
		t.Errorf("search returned %d resources, want 3", len(resources))
	}

	if got := atomic.LoadInt32(exchanges); got != 1 {
		t.Errorf("token endpoint saw %d exchanges, want 1 (cached across pages)", got)
	}
	if got := mock.LastHeader.Get("Authorization"); got != "Bearer integration-token" {
		t.Errorf("Authorization = %q, want issued token", got)
	}
}

func TestAccessLayer_ParallelFetchSharesToken(t *testing.T) {
	mock := testutil.NewMockFHIR()
	defer mock.Close()

	ids := []string{"p1", "p2", "p3", "p4"}
	for _, id := range ids {
		mock.SetResponse("/Patient/"+id, testutil.MockResponse{
			StatusCode: 200,
			Body:       testutil.Patient(id),
		})
	}

	c, exchanges, cleanup := setupAccessLayer(t, mock)
	defer cleanup()

	f := fetch.New(c, fetch.Config{MaxConcurrency: 4})
	resources, failures := f.FetchMany(context.Background(), "Patient", ids)

	if len(resources) != 4 || len(failures) != 0 {
		t.Fatalf("FetchMany() = %d resources, %d failures, want 4/0", len(resources), len(failures))
	}
	if got := atomic.LoadInt32(exchanges); got != 1 {
		t.Errorf("token endpoint saw %d exchanges, want 1 (concurrent callers coalesce)", got)
	}
}

func TestAccessLayer_BatchRoundTrip(t *testing.T) {
	mock := testutil.NewMockFHIR()
	defer mock.Close()

	mock.SetHandler("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/fhir+json" {
			t.Errorf("Content-Type = %q, want application/fhir+json", ct)
		}
		w.Header().Set("Content-Type", "application/fhir+json")
		w.Write([]byte(`{
			"resourceType": "Bundle",
			"type": "batch-response",
			"entry": [
				{"resource": ` + testutil.Patient("p1") + `, "response": {"status": "200 OK"}},
				{"response": {"status": "404 Not Found"}}
			]
		}`))
	}))

	c, _, cleanup := setupAccessLayer(t, mock)
	defer cleanup()

	results, err := batch.New(c).Execute(context.Background(), []batch.Operation{
		{Method: "GET", Path: "Patient/p1"},
		{Method: "GET", Path: "Patient/missing"},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !results[0].Success || results[1].Success {
		t.Errorf("results = [%v %v], want [success failure]", results[0].Success, results[1].Success)
	}
}

func TestAccessLayer_RateLimitedSearchRecovers(t *testing.T) {
	mock := testutil.NewMockFHIR()
	defer mock.Close()

	mock.Script("/Patient",
		testutil.MockResponse{
			StatusCode: 429,
			Headers:    map[string]string{"Retry-After": "0"},
		},
		testutil.MockResponse{
			StatusCode: 200,
			Body:       testutil.SearchPage("", testutil.Patient("p1")),
		},
	)

	c, _, cleanup := setupAccessLayer(t, mock)
	defer cleanup()

	resources, err := search.All(context.Background(), c, "Patient", url.Values{}, search.Options{})
	if err != nil {
		t.Fatalf("search.All() error = %v", err)
	}
	if len(resources) != 1 {
		t.Errorf("search returned %d resources, want 1 after 429 retry", len(resources))
	}
}
