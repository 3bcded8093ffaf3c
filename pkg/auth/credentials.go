package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// Credentials holds the registered-client identity used to sign assertions.
// Immutable for the process lifetime; loaded once at construction.
type Credentials struct {
	// ClientID is the registered client identifier. It is used as both the
	// iss and sub claims of the assertion.
	ClientID string

	// PrivateKey signs the assertion. The matching public key must be
	// published at JWKSURL under KeyID.
	PrivateKey *rsa.PrivateKey

	// KeyID is placed in the assertion's kid header.
	KeyID string

	// JWKSURL is placed in the assertion's jku header.
	JWKSURL string

	// TokenURL is the token endpoint; it is also the assertion audience.
	TokenURL string

	// Scope requested in the exchange, e.g. "system/*.read".
	Scope string

	// Algorithm is the JWS algorithm name. Defaults to RS384, the algorithm
	// Epic-style servers require for backend service clients.
	Algorithm string
}

// Validate checks that all required credential fields are present.
func (c *Credentials) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("client id is required")
	}
	if c.PrivateKey == nil {
		return fmt.Errorf("private key is required")
	}
	if c.TokenURL == "" {
		return fmt.Errorf("token endpoint url is required")
	}
	return nil
}

// algorithm returns the configured JWS algorithm, defaulting to RS384.
func (c *Credentials) algorithm() string {
	if c.Algorithm == "" {
		return "RS384"
	}
	return c.Algorithm
}

// ParsePrivateKeyPEM parses an RSA private key from PEM data. Both PKCS#1
// and PKCS#8 encodings are accepted.
func ParsePrivateKeyPEM(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}

// LoadPrivateKey reads and parses an RSA private key from a PEM file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return ParsePrivateKeyPEM(data)
}
