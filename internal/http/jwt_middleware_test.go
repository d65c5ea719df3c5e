package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Amr2/wanna-help/internal/domain"
	"github.com/Amr2/wanna-help/internal/service"
)

func protectedEngine(auth service.Authenticator) *gin.Engine {
	r := gin.New()
	r.GET("/protected", JWTAuthMiddleware(auth), func(c *gin.Context) {
		identity, ok := GetIdentity(c)
		if !ok || identity.UserID != "u1" || identity.Role != "provider" {
			c.Status(http.StatusUnauthorized)
			return
		}
		c.Status(http.StatusOK)
	})
	return r
}

func TestJWTAuthMiddleware_AllowsBearerAndQueryToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth := service.NewAuthService("secret", 15*time.Minute)
	token, err := auth.Issue(domain.Identity{UserID: "u1", Role: "provider"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	r := protectedEngine(auth)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer: expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/protected?token="+token, nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("query: expected 200, got %d", rec.Code)
	}
}

func TestJWTAuthMiddleware_RejectsMissingToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := protectedEngine(service.NewAuthService("secret", 15*time.Minute))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestJWTAuthMiddleware_RejectsForeignSignature(t *testing.T) {
	gin.SetMode(gin.TestMode)
	other := service.NewAuthService("another-secret", 15*time.Minute)
	token, err := other.Issue(domain.Identity{UserID: "u1", Role: "provider"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	r := protectedEngine(service.NewAuthService("secret", 15*time.Minute))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
