package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RefreshMargin is the minimum remaining validity of a token handed to a
// caller. Anything closer to expiry triggers a refresh first.
const RefreshMargin = 30 * time.Second

// ClientAssertionType is the assertion type sent with the grant.
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Token is an access token with its absolute expiry.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Valid reports whether the token still has at least margin of validity.
func (t *Token) Valid(margin time.Duration) bool {
	return t.AccessToken != "" && time.Until(t.ExpiresAt) >= margin
}

// AuthorizationValue renders the token as an Authorization header value.
func (t *Token) AuthorizationValue() string {
	typ := t.TokenType
	if typ == "" {
		typ = "Bearer"
	}
	return typ + " " + t.AccessToken
}

// TokenError reports a failed token exchange. It is never retried beyond
// the authenticator's single fresh-assertion retry: repeated invalid
// assertions can trigger issuer-side lockouts.
type TokenError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token exchange failed: %v", e.Err)
	}
	return fmt.Sprintf("token exchange failed (status %d): %s", e.StatusCode, e.Body)
}

func (e *TokenError) Unwrap() error {
	return e.Err
}

// Authenticator exchanges signed assertions for access tokens and serves
// the cached token until it nears expiry. Safe for concurrent use: callers
// observing an expiring token coalesce into a single exchange.
type Authenticator struct {
	creds      Credentials
	httpClient *http.Client
	store      TokenStore
	logger     zerolog.Logger

	mu          sync.Mutex
	cached      *Token
	storeLoaded bool
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithHTTPClient sets the HTTP client used for token exchanges.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Authenticator) { a.httpClient = c }
}

// WithStore sets an optional persisted token cache.
func WithStore(s TokenStore) Option {
	return func(a *Authenticator) { a.store = s }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Authenticator) { a.logger = l }
}

// New creates an Authenticator for the given credentials.
func New(creds Credentials, opts ...Option) (*Authenticator, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	a := &Authenticator{
		creds: creds,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: log.With().Str("component", "fhir-auth").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// GetToken returns a token with at least RefreshMargin of remaining
// validity, performing an exchange only when the cache cannot serve one.
// forceRefresh bypasses the cache (used after a 401).
func (a *Authenticator) GetToken(ctx context.Context, forceRefresh bool) (Token, error) {
	// The lock is held across the exchange. Concurrent callers queue here
	// and find the fresh token on the re-check, so an in-flight refresh is
	// never duplicated.
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.storeLoaded {
		a.loadFromStore(ctx)
		a.storeLoaded = true
	}

	if !forceRefresh && a.cached != nil && a.cached.Valid(RefreshMargin) {
		return *a.cached, nil
	}

	tok, err := a.exchangeWithRetry(ctx)
	if err != nil {
		return Token{}, err
	}

	a.cached = tok
	if a.store != nil {
		if err := a.store.Save(ctx, tok); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to persist token")
		}
	}

	a.logger.Debug().
		Time("expires_at", tok.ExpiresAt).
		Msg("Token refreshed")

	return *tok, nil
}

// loadFromStore seeds the cache from the persisted record, if any. Any
// load failure is treated as a cold start.
func (a *Authenticator) loadFromStore(ctx context.Context) {
	if a.store == nil {
		return
	}
	tok, err := a.store.Load(ctx)
	if err != nil {
		if err != ErrNoToken {
			a.logger.Warn().Err(err).Msg("Token store unavailable, starting cold")
		}
		return
	}
	a.cached = tok
	a.logger.Debug().Time("expires_at", tok.ExpiresAt).Msg("Loaded persisted token")
}

// exchangeWithRetry performs the exchange, retrying once with a freshly
// generated assertion on transport errors and 5xx. Assertion reuse across
// attempts is forbidden by the protocol; 4xx rejections are final.
func (a *Authenticator) exchangeWithRetry(ctx context.Context) (*Token, error) {
	tok, err := a.exchange(ctx)
	if err == nil {
		return tok, nil
	}

	var tokenErr *TokenError
	transient := false
	if errors.As(err, &tokenErr) {
		transient = tokenErr.StatusCode == 0 || tokenErr.StatusCode >= 500
	}
	if !transient {
		return nil, err
	}

	a.logger.Warn().Err(err).Msg("Token exchange failed, retrying with fresh assertion")
	return a.exchange(ctx)
}

// exchange signs a single-use assertion and posts the client_credentials
// grant to the token endpoint.
func (a *Authenticator) exchange(ctx context.Context) (*Token, error) {
	now := time.Now()
	assertion, err := NewAssertion(a.creds, now)
	if err != nil {
		return nil, &TokenError{Err: err}
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", ClientAssertionType)
	form.Set("client_assertion", assertion)
	if a.creds.Scope != "" {
		form.Set("scope", a.creds.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.creds.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &TokenError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &TokenError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TokenError{Err: fmt.Errorf("read token response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		a.logger.Warn().
			Int("status", resp.StatusCode).
			Msg("Token endpoint rejected exchange")
		return nil, &TokenError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &TokenError{StatusCode: resp.StatusCode,
			Err: fmt.Errorf("decode token response: %w", err)}
	}
	if parsed.AccessToken == "" {
		return nil, &TokenError{StatusCode: resp.StatusCode,
			Err: fmt.Errorf("token response missing access_token")}
	}

	return &Token{
		AccessToken: parsed.AccessToken,
		TokenType:   parsed.TokenType,
		ExpiresAt:   now.Add(time.Duration(parsed.ExpiresIn) * time.Second),
	}, nil
}
