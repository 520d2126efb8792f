// Package auth issues and verifies HMAC-signed bearer tokens. A token is
// base64url(JSON claims) "." base64url(HMAC-SHA256(secret, payload)).
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Claims identify the caller. Company is the tenant every store operation is
// scoped to.
type Claims struct {
	Sub     string `json:"sub"`
	Name    string `json:"name"`
	Company string `json:"company"`
	Role    string `json:"role"`
	JTI     string `json:"jti"`
	Exp     int64  `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
	ErrEmptySecret  = errors.New("token secret is empty")
)

func (c Claims) complete() bool {
	return c.Sub != "" && c.Name != "" && c.Company != "" && c.JTI != "" && c.Exp != 0
}

// ExpiresAt returns Exp as a time.
func (c Claims) ExpiresAt() time.Time {
	return time.Unix(c.Exp, 0)
}

func IssueToken(secret []byte, claims Claims) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}
	if !claims.complete() {
		return "", fmt.Errorf("%w: incomplete claims", ErrInvalidToken)
	}
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	return payload + "." + base64.RawURLEncoding.EncodeToString(mac(secret, payload)), nil
}

// ParseToken verifies the signature before decoding anything, then checks
// that the claims are complete and unexpired.
func ParseToken(secret []byte, token string) (Claims, error) {
	return parseAt(secret, token, time.Now())
}

func parseAt(secret []byte, token string, now time.Time) (Claims, error) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok || payload == "" || strings.Contains(sig, ".") {
		return Claims{}, ErrInvalidToken
	}
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil || !hmac.Equal(got, mac(secret, payload)) {
		return Claims{}, ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil || !claims.complete() {
		return Claims{}, ErrInvalidToken
	}
	if !now.Before(claims.ExpiresAt()) {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func mac(secret []byte, payload string) []byte {
	h := hmac.New(sha256.New, secret)
	_, _ = h.Write([]byte(payload))
	return h.Sum(nil)
}
