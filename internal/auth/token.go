// Package auth resolves a bearer token to the opaque identity string the
// pipeline keys sessions and rate limits on. Token issuance lives in an
// external service; this side only verifies.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoIdentity   = errors.New("token has no subject")
)

// Verifier validates HS256-signed tokens against a shared secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth secret is required")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Identity verifies the token signature and expiry and returns its subject.
func (v *Verifier) Identity(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrNoIdentity
	}
	return sub, nil
}
