// Package auth issues and verifies the wallet-bound access tokens used by
// the realtime relay handshake. Signature-based login lives in the external
// API layer; this package only maps a bearer token to a wallet identity.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken indicates the credential failed verification.
var ErrInvalidToken = errors.New("auth: invalid token")

// Verifier validates HS256 access tokens whose subject is a wallet address.
type Verifier struct {
	secret []byte
	nowFn  func() time.Time
}

// NewVerifier constructs a verifier for the shared signing secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), nowFn: time.Now}
}

// SetNowFunc overrides the time source, primarily used in tests.
func (v *Verifier) SetNowFunc(now func() time.Time) {
	if now != nil {
		v.nowFn = now
	}
}

// Issue creates a token for the wallet, valid for ttl.
func (v *Verifier) Issue(wallet string, ttl time.Duration) (string, time.Time, error) {
	now := v.nowFn().UTC()
	expiresAt := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Subject:   strings.ToLower(strings.TrimSpace(wallet)),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Verify parses the token and returns the wallet it was issued to.
func (v *Verifier) Verify(token string) (string, error) {
	parsed, err := jwt.Parse(strings.TrimSpace(token), func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.nowFn), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", ErrInvalidToken
	}
	return strings.ToLower(subject), nil
}
