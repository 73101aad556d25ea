package sessionstate

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haasonsaas/codelia-core/pkg/coremodel"
)

// ErrInvalidCredentialEnvelope is returned when a credential envelope token
// fails to parse or verify.
var ErrInvalidCredentialEnvelope = errors.New("sessionstate: invalid credential envelope")

// MetaJWTSubject is the SessionState.Meta key a verified credential
// envelope's subject is stored under (spec §4.2 optional metadata).
const MetaJWTSubject = "jwt_subject"

type credentialClaims struct {
	jwt.RegisteredClaims
}

// SignCredentialEnvelope issues a short-lived HS256 token binding a session
// to the identity C5's OAuth callback resolved for it. The token itself is
// never persisted; only its verified subject is written into Meta via
// ApplyCredentialEnvelope, so a store snapshot never carries a live bearer
// token at rest.
func SignCredentialEnvelope(secret []byte, sessionID, subject string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("sessionstate: credential envelope secret required")
	}
	if subject == "" {
		return "", errors.New("sessionstate: credential envelope subject required")
	}
	now := time.Now()
	claims := credentialClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{sessionID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// VerifyCredentialEnvelope parses and validates a token minted by
// SignCredentialEnvelope, returning the subject it was issued for.
func VerifyCredentialEnvelope(secret []byte, sessionID, token string) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("sessionstate: credential envelope secret required")
	}
	parsed, err := jwt.ParseWithClaims(token, &credentialClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", ErrInvalidCredentialEnvelope
	}
	claims, ok := parsed.Claims.(*credentialClaims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidCredentialEnvelope
	}
	if sessionID != "" && len(claims.Audience) > 0 {
		matched := false
		for _, aud := range claims.Audience {
			if aud == sessionID {
				matched = true
				break
			}
		}
		if !matched {
			return "", ErrInvalidCredentialEnvelope
		}
	}
	if claims.Subject == "" {
		return "", ErrInvalidCredentialEnvelope
	}
	return claims.Subject, nil
}

// ApplyCredentialEnvelope stamps a verified subject into the session's
// metadata. Callers persist state afterwards via Store.Save.
func ApplyCredentialEnvelope(state *coremodel.SessionState, subject string) {
	if state.Meta == nil {
		state.Meta = make(map[string]any, 1)
	}
	state.Meta[MetaJWTSubject] = subject
}
