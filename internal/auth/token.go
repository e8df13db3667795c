// Package auth verifies bearer tokens minted by the identity provider.
// Credential checks happen upstream; a valid token is a trusted (sub, email) pair.
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

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Claims is the signed token payload.
type Claims struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	JTI   string `json:"jti,omitempty"`
	Exp   int64  `json:"exp"`
}

// Identity is the verified caller attached to every request.
type Identity struct {
	UserID string
	Email  string
}

// Verifier checks and mints tokens of the form
// base64url(claims).base64url(hmac-sha256(secret, base64url(claims))).
type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

func (v *Verifier) Verify(token string) (Identity, error) {
	payload, signature, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || payload == "" || strings.Contains(signature, ".") {
		return Identity{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(signature), []byte(v.sign(payload))) {
		return Identity{}, ErrInvalidToken
	}

	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return Identity{}, ErrInvalidToken
	}
	email := strings.ToLower(strings.TrimSpace(claims.Email))
	if claims.Sub == "" || email == "" || claims.Exp == 0 {
		return Identity{}, ErrInvalidToken
	}
	if !v.now().Before(time.Unix(claims.Exp, 0)) {
		return Identity{}, ErrExpiredToken
	}
	return Identity{UserID: claims.Sub, Email: email}, nil
}

// Issue mints a token for local development and tests.
func (v *Verifier) Issue(userID, email, jti string, ttl time.Duration) (string, error) {
	raw, err := json.Marshal(Claims{
		Sub:   userID,
		Email: email,
		JTI:   jti,
		Exp:   v.now().Add(ttl).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	return payload + "." + v.sign(payload), nil
}

func (v *Verifier) sign(payload string) string {
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
