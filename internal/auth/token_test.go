package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-change-me"

func signToken(t *testing.T, secret, sub string, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestIdentityFromValidToken(t *testing.T) {
	v, err := NewVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	identity, err := v.Identity(signToken(t, testSecret, "alice", time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("Identity() error = %v", err)
	}
	if identity != "alice" {
		t.Fatalf("identity = %q, want alice", identity)
	}
}

func TestIdentityRejectsWrongSecret(t *testing.T) {
	v, _ := NewVerifier(testSecret)
	_, err := v.Identity(signToken(t, "other-secret", "alice", time.Now().Add(time.Hour)))
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("error = %v, want ErrInvalidToken", err)
	}
}

func TestIdentityRejectsExpired(t *testing.T) {
	v, _ := NewVerifier(testSecret)
	_, err := v.Identity(signToken(t, testSecret, "alice", time.Now().Add(-time.Hour)))
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("error = %v, want ErrInvalidToken", err)
	}
}

func TestIdentityRejectsMissingSubject(t *testing.T) {
	v, _ := NewVerifier(testSecret)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := v.Identity(token); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("error = %v, want ErrNoIdentity", err)
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier(""); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}
