// Package auth verifies the bearer credential presented at connection time.
//
// The credential is an HMAC-signed JWT minted by the dashboard backend. Only
// authenticity and expiry are checked here; authorization policy stays with
// the issuer.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any malformed, mis-signed, or expired
// credential. Callers surface it uniformly as an auth error; the reason is
// deliberately not leaked to the client.
var ErrInvalidToken = errors.New("invalid or expired credential")

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID      string
	DisplayName string
}

// Claims are the JWT claims the dashboard backend sets on session tokens.
type Claims struct {
	jwt.RegisteredClaims
	DisplayName string `json:"name"`
}

// Verifier validates bearer tokens with a shared HMAC secret.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier creates a Verifier. issuer is optional; when set, tokens from
// any other issuer are rejected.
func NewVerifier(secret []byte, issuer string) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: empty HMAC secret")
	}
	return &Verifier{secret: secret, issuer: issuer}, nil
}

// Verify checks the token signature, expiry, and issuer, and returns the
// identity it asserts.
func (v *Verifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if v.issuer != "" && claims.Issuer != v.issuer {
		return Identity{}, fmt.Errorf("%w: wrong issuer", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	name := claims.DisplayName
	if name == "" {
		name = claims.Subject
	}

	return Identity{UserID: claims.Subject, DisplayName: name}, nil
}

// Mint issues a token signed with the verifier's secret. Used by tests and
// local tooling; production tokens come from the dashboard backend.
func (v *Verifier) Mint(userID, displayName string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		DisplayName: displayName,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
