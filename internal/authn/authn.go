// Package authn verifies bearer tokens presented by transport clients.
// It mirrors the shape of the teacher's wing JWT issue/validate pair in
// internal/relay/jwt.go, reduced from ES256 wing-connection tokens to
// HS256 client tokens (a single daemon-held shared key, not a
// per-connection keypair), plus a dev-mode static-secret fallback for
// local/single-user use.
package authn

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identify the bearer of a token.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier checks bearer tokens against either an HS256 secret or, in
// dev mode, a static shared-secret string.
type Verifier struct {
	secret     []byte
	devMode    bool
	devSecret  string
}

// NewVerifier constructs a Verifier. When devMode is true, tokens equal
// to devSecret (compared in constant time) are accepted without JWT
// parsing — for local development and tests where no signing key has
// been provisioned yet.
func NewVerifier(jwtSecret []byte, devMode bool, devSecret string) *Verifier {
	return &Verifier{secret: jwtSecret, devMode: devMode, devSecret: devSecret}
}

// Issue signs an HS256 token for subject, valid for ttl.
func (v *Verifier) Issue(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Verify checks a bearer token and returns the subject it identifies.
func (v *Verifier) Verify(tokenString string) (string, error) {
	if v.devMode && v.devSecret != "" {
		if subtle.ConstantTimeCompare([]byte(tokenString), []byte(v.devSecret)) == 1 {
			return "dev", nil
		}
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token claims")
	}
	return claims.Subject, nil
}
