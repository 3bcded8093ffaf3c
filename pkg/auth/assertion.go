package auth

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AssertionLifetime is the validity window of a signed assertion. Five
// minutes is the maximum the token server accepts.
const AssertionLifetime = 5 * time.Minute

// NewAssertion builds and signs a fresh client assertion. Every call
// generates a new jti and new timestamps: the server rejects replayed
// assertions, so the result must be used for exactly one exchange.
func NewAssertion(creds Credentials, now time.Time) (string, error) {
	method := jwt.GetSigningMethod(creds.algorithm())
	if method == nil {
		return "", fmt.Errorf("unknown signing algorithm %q", creds.algorithm())
	}

	claims := jwt.RegisteredClaims{
		Issuer:    creds.ClientID,
		Subject:   creds.ClientID,
		Audience:  jwt.ClaimStrings{creds.TokenURL},
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(AssertionLifetime)),
	}

	token := jwt.NewWithClaims(method, claims)
	if creds.KeyID != "" {
		token.Header["kid"] = creds.KeyID
	}
	if creds.JWKSURL != "" {
		token.Header["jku"] = creds.JWKSURL
	}

	signed, err := token.SignedString(creds.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}
	return signed, nil
}

// VerifyAssertion validates an assertion's signature and time claims
// against a public key and returns the embedded claims. Used by tests and
// by operators checking key registration.
func VerifyAssertion(assertion string, pub *rsa.PublicKey) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(assertion, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("verify assertion: %w", err)
	}
	return claims, nil
}
