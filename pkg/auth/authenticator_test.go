package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTokenServer returns a token endpoint stub that counts exchanges and
// records the last submitted form.
func newTokenServer(t *testing.T, expiresIn int) (*httptest.Server, *atomic.Int64, *sync.Map) {
	t.Helper()

	var exchanges atomic.Int64
	lastForm := &sync.Map{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		exchanges.Add(1)
		for k, v := range r.PostForm {
			lastForm.Store(k, v[0])
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("tok-%d", exchanges.Load()),
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
		})
	}))
	t.Cleanup(srv.Close)

	return srv, &exchanges, lastForm
}

func newAuthenticator(t *testing.T, tokenURL string, opts ...Option) *Authenticator {
	t.Helper()

	creds := testCredentials(t)
	creds.TokenURL = tokenURL

	a, err := New(creds, opts...)
	require.NoError(t, err)
	return a
}

func TestGetToken_CacheHit(t *testing.T) {
	srv, exchanges, _ := newTokenServer(t, 3600)
	a := newAuthenticator(t, srv.URL)
	ctx := context.Background()

	tok1, err := a.GetToken(ctx, false)
	require.NoError(t, err)

	tok2, err := a.GetToken(ctx, false)
	require.NoError(t, err)

	require.Equal(t, tok1.AccessToken, tok2.AccessToken)
	require.Equal(t, int64(1), exchanges.Load(), "second call must be served from cache")
}

func TestGetToken_GrantParameters(t *testing.T) {
	srv, _, lastForm := newTokenServer(t, 3600)
	a := newAuthenticator(t, srv.URL)

	_, err := a.GetToken(context.Background(), false)
	require.NoError(t, err)

	grantType, _ := lastForm.Load("grant_type")
	require.Equal(t, "client_credentials", grantType)

	assertionType, _ := lastForm.Load("client_assertion_type")
	require.Equal(t, ClientAssertionType, assertionType)

	assertion, ok := lastForm.Load("client_assertion")
	require.True(t, ok)
	require.NotEmpty(t, assertion)

	scope, _ := lastForm.Load("scope")
	require.Equal(t, "system/*.read", scope)
}

func TestGetToken_RefreshesNearExpiry(t *testing.T) {
	// expires_in of 10s is inside the 30s refresh margin, so every call
	// must perform a fresh exchange.
	srv, exchanges, _ := newTokenServer(t, 10)
	a := newAuthenticator(t, srv.URL)
	ctx := context.Background()

	tok, err := a.GetToken(ctx, false)
	require.NoError(t, err)
	require.False(t, tok.Valid(RefreshMargin))

	_, err = a.GetToken(ctx, false)
	require.NoError(t, err)
	require.Equal(t, int64(2), exchanges.Load())
}

func TestGetToken_ForceRefresh(t *testing.T) {
	srv, exchanges, _ := newTokenServer(t, 3600)
	a := newAuthenticator(t, srv.URL)
	ctx := context.Background()

	tok1, err := a.GetToken(ctx, false)
	require.NoError(t, err)

	tok2, err := a.GetToken(ctx, true)
	require.NoError(t, err)

	require.NotEqual(t, tok1.AccessToken, tok2.AccessToken)
	require.Equal(t, int64(2), exchanges.Load())
}

func TestGetToken_ConcurrentCallersCoalesce(t *testing.T) {
	srv, exchanges, _ := newTokenServer(t, 3600)
	a := newAuthenticator(t, srv.URL)
	ctx := context.Background()

	var wg sync.WaitGroup
	tokens := make([]string, 16)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := a.GetToken(ctx, false)
			require.NoError(t, err)
			tokens[i] = tok.AccessToken
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(1), exchanges.Load(), "concurrent callers must share one exchange")
	for _, tok := range tokens {
		require.Equal(t, tokens[0], tok)
	}
}

func TestGetToken_EndpointRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_client"}`)
	}))
	t.Cleanup(srv.Close)

	a := newAuthenticator(t, srv.URL)

	_, err := a.GetToken(context.Background(), false)
	require.Error(t, err)

	var tokenErr *TokenError
	require.ErrorAs(t, err, &tokenErr)
	require.Equal(t, http.StatusBadRequest, tokenErr.StatusCode)
	require.Contains(t, tokenErr.Body, "invalid_client")
}

func TestGetToken_RetriesOnceWithFreshAssertionOn5xx(t *testing.T) {
	var calls atomic.Int64
	assertions := make([]string, 0, 2)
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		mu.Lock()
		assertions = append(assertions, r.PostForm.Get("client_assertion"))
		mu.Unlock()

		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-after-retry",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(srv.Close)

	a := newAuthenticator(t, srv.URL)

	tok, err := a.GetToken(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, "tok-after-retry", tok.AccessToken)
	require.Equal(t, int64(2), calls.Load())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, assertions, 2)
	require.NotEqual(t, assertions[0], assertions[1], "retry must not reuse the assertion")
}

func TestGetToken_NoRetryOn4xx(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	a := newAuthenticator(t, srv.URL)

	_, err := a.GetToken(context.Background(), false)
	require.Error(t, err)
	require.Equal(t, int64(1), calls.Load(), "4xx rejections must not be retried")
}

func TestGetToken_PersistsAndReloadsViaStore(t *testing.T) {
	srv, exchanges, _ := newTokenServer(t, 3600)
	path := t.TempDir() + "/token.json"

	a := newAuthenticator(t, srv.URL, WithStore(NewFileStore(path)))
	tok, err := a.GetToken(context.Background(), false)
	require.NoError(t, err)

	// A second authenticator sharing the store starts warm.
	b := newAuthenticator(t, srv.URL, WithStore(NewFileStore(path)))
	tok2, err := b.GetToken(context.Background(), false)
	require.NoError(t, err)

	require.Equal(t, tok.AccessToken, tok2.AccessToken)
	require.Equal(t, int64(1), exchanges.Load(), "persisted token must avoid a second exchange")
}

func TestToken_AuthorizationValue(t *testing.T) {
	tok := &Token{AccessToken: "abc", TokenType: "Bearer"}
	require.Equal(t, "Bearer abc", tok.AuthorizationValue())

	bare := &Token{AccessToken: "abc"}
	require.Equal(t, "Bearer abc", bare.AuthorizationValue())
}

func TestToken_Valid(t *testing.T) {
	fresh := &Token{AccessToken: "x", ExpiresAt: time.Now().Add(time.Hour)}
	require.True(t, fresh.Valid(RefreshMargin))

	closeToExpiry := &Token{AccessToken: "x", ExpiresAt: time.Now().Add(10 * time.Second)}
	require.False(t, closeToExpiry.Valid(RefreshMargin))
}
