// Package oauthcallback implements the OAuth callback server (C5): a
// single-shot HTTP listener that resolves one PKCE authorization-code flow
// to a token-exchange result or a typed failure.
package oauthcallback

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// PKCEPair is a verifier/challenge pair for an authorization-code-with-PKCE
// flow (RFC 7636). Challenge uses the S256 method; PKCE's plain method is
// never offered.
type PKCEPair struct {
	Verifier  string
	Challenge string
}

// NewPKCEPair generates a cryptographically random verifier and its S256
// challenge.
func NewPKCEPair() (PKCEPair, error) {
	verifier, err := randomURLSafeString(32)
	if err != nil {
		return PKCEPair{}, err
	}
	sum := sha256.Sum256([]byte(verifier))
	return PKCEPair{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
	}, nil
}

// NewState generates a cryptographically random state value for CSRF
// protection on the authorization redirect.
func NewState() (string, error) {
	return randomURLSafeString(24)
}

func randomURLSafeString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
