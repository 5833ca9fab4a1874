// Package auth issues and verifies the bearer credentials kiosks present on
// WebSocket upgrade.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier validates kiosk credentials against a process-wide secret.
// Verification is a pure function of the token and the secret; it performs
// no I/O.
type Verifier struct {
	secret []byte
	ttl    time.Duration
}

// NewVerifier creates a Verifier. ttl bounds the lifetime of tokens minted
// by Issue.
func NewVerifier(secret string, ttl time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), ttl: ttl}
}

// Issue mints a signed credential for the given kiosk identity.
func (v *Verifier) Issue(kioskID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"kiosk_id": kioskID,
		"iat":      jwt.NewNumericDate(now),
		"exp":      jwt.NewNumericDate(now.Add(v.ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Verify returns the kiosk identity embedded in the credential. Malformed,
// expired and badly signed tokens are all rejected the same way: the caller
// cannot distinguish why.
func (v *Verifier) Verify(credential string) (string, bool) {
	parsed, err := jwt.Parse(credential, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", false
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", false
	}
	kioskID, ok := claims["kiosk_id"].(string)
	if !ok || kioskID == "" {
		return "", false
	}
	return kioskID, true
}
