package service

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Amr2/wanna-help/internal/domain"
)

func TestAuthService_IssueVerify(t *testing.T) {
	svc := NewAuthService("secret", 15*time.Minute)

	token, err := svc.Issue(domain.Identity{UserID: "u1", Role: "provider"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	identity, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if identity.UserID != "u1" || identity.Role != "provider" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestAuthService_AcceptsGatewayTokens(t *testing.T) {
	svc := NewAuthService("secret", time.Hour)

	// Tokens del gateway solo traen id, role y exp.
	claims := jwt.MapClaims{
		"id":   "client-7",
		"role": "client",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	identity, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if identity.UserID != "client-7" || identity.Role != "client" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestAuthService_Rejections(t *testing.T) {
	svc := NewAuthService("secret", time.Hour)

	sign := func(secret string, claims jwt.MapClaims) string {
		t.Helper()
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return token
	}

	cases := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "  ", ErrJWTInvalid},
		{"garbage", "not-a-jwt", ErrJWTInvalid},
		{"wrong secret", sign("other", jwt.MapClaims{"id": "u1"}), ErrJWTInvalid},
		{"missing id", sign("secret", jwt.MapClaims{"role": "client"}), ErrJWTInvalid},
		{"subject mismatch", sign("secret", jwt.MapClaims{"id": "u1", "sub": "u2"}), ErrJWTInvalid},
		{"foreign issuer", sign("secret", jwt.MapClaims{"id": "u1", "iss": "someone-else"}), ErrJWTInvalid},
		{"expired", sign("secret", jwt.MapClaims{"id": "u1", "exp": time.Now().Add(-time.Minute).Unix()}), ErrJWTExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Verify(tc.token); !errors.Is(err, tc.want) {
				t.Fatalf("Verify() error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestAuthService_DefaultsRoleAndRejectsWithoutSecret(t *testing.T) {
	svc := NewAuthService("secret", time.Hour)
	token, err := svc.Issue(domain.Identity{UserID: "u1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	identity, err := svc.Verify(token)
	if err != nil || identity.Role != "user" {
		t.Fatalf("expected default role, got %+v (%v)", identity, err)
	}

	empty := NewAuthService("", time.Hour)
	if _, err := empty.Issue(domain.Identity{UserID: "u1"}); !errors.Is(err, ErrJWTInvalid) {
		t.Fatalf("expected ErrJWTInvalid without secret, got %v", err)
	}
}
