package auth

import (
	"errors"
	"testing"
	"time"
)

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyPassword("s3cret", hash) {
		t.Error("correct password rejected")
	}
	if VerifyPassword("wrong", hash) {
		t.Error("wrong password accepted")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	iss := NewIssuer("test-secret", time.Hour)
	token, err := iss.GenerateToken(42, "alice")
	if err != nil {
		t.Fatal(err)
	}
	claims, err := iss.ParseToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.UserID != 42 || claims.Username != "alice" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestTokenRejected(t *testing.T) {
	iss := NewIssuer("test-secret", time.Hour)
	token, _ := iss.GenerateToken(1, "bob")

	tests := []struct {
		name  string
		iss   *Issuer
		token string
	}{
		{"other secret", NewIssuer("other", time.Hour), token},
		{"garbage", iss, "not.a.token"},
		{"expired", &Issuer{secret: iss.secret, expiry: time.Hour, now: func() time.Time { return time.Now().Add(2 * time.Hour) }}, token},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.iss.ParseToken(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("want ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestDefaultExpiry(t *testing.T) {
	if iss := NewIssuer("x", 0); iss.expiry != 7*24*time.Hour {
		t.Fatalf("expiry = %s", iss.expiry)
	}
}
