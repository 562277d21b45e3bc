package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestNewVerifier_EmptySecret(t *testing.T) {
	if _, err := NewVerifier(nil, ""); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestVerifier_RoundTrip(t *testing.T) {
	v, err := NewVerifier([]byte("test-secret"), "proposalforge")
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}

	token, err := v.Mint("user-1", "Ada", time.Minute)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if id.UserID != "user-1" {
		t.Errorf("UserID = %s, want user-1", id.UserID)
	}
	if id.DisplayName != "Ada" {
		t.Errorf("DisplayName = %s, want Ada", id.DisplayName)
	}
}

func TestVerifier_Rejects(t *testing.T) {
	v, _ := NewVerifier([]byte("test-secret"), "proposalforge")
	other, _ := NewVerifier([]byte("other-secret"), "proposalforge")
	wrongIssuer, _ := NewVerifier([]byte("test-secret"), "someone-else")

	expired, err := v.Mint("user-1", "Ada", -time.Minute)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	wrongKey, _ := other.Mint("user-1", "Ada", time.Minute)
	badIssuer, _ := wrongIssuer.Mint("user-1", "Ada", time.Minute)

	// Unsigned token with alg=none must never pass.
	noneToken, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject: "user-1",
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"expired", expired},
		{"wrong key", wrongKey},
		{"wrong issuer", badIssuer},
		{"alg none", noneToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestVerifier_DisplayNameFallsBackToSubject(t *testing.T) {
	v, _ := NewVerifier([]byte("test-secret"), "")

	token, err := v.Mint("user-2", "", time.Minute)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if id.DisplayName != "user-2" {
		t.Errorf("DisplayName = %s, want user-2", id.DisplayName)
	}
}
