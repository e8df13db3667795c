package auth

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	v := NewVerifier("secret")
	issued, err := v.Issue("user-1", "Avery@Example.com", "jti-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	id, err := v.Verify(issued)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id.UserID != "user-1" || id.Email != "avery@example.com" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	v := NewVerifier("secret")
	issued, err := v.Issue("user-1", "avery@example.com", "jti-1", time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	v.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := v.Verify(issued); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	v := NewVerifier("secret")
	issued, err := v.Issue("user-1", "a@example.com", "jti", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := NewVerifier("other").Verify(issued); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong secret: error = %v, want ErrInvalidToken", err)
	}

	payload, sig, _ := strings.Cut(issued, ".")
	forged := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"admin","email":"a@example.com","exp":9999999999}`))
	cases := map[string]string{
		"tampered payload": payload + "x." + sig,
		"forged claims":    forged + "." + sig,
		"malformed":        "garbage",
		"extra segment":    issued + ".more",
	}
	for name, token := range cases {
		if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: error = %v, want ErrInvalidToken", name, err)
		}
	}
}

func TestVerifyRequiresSubjectAndEmail(t *testing.T) {
	v := NewVerifier("secret")
	issued, err := v.Issue("user-1", "   ", "", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := v.Verify(issued); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify() error = %v, want ErrInvalidToken", err)
	}
}
