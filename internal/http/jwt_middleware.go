package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Amr2/wanna-help/internal/domain"
	"github.com/Amr2/wanna-help/internal/service"
)

const authIdentityKey = "auth_identity"

// JWTAuthMiddleware valida el token y guarda la identidad en el contexto.
// Acepta "Authorization: Bearer" o ?token= (los navegadores no envían headers en el upgrade WS).
func JWTAuthMiddleware(auth service.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if auth == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "jwt not configured"})
			c.Abort()
			return
		}

		token := tokenFromRequest(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			c.Abort()
			return
		}

		identity, err := auth.Verify(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set(authIdentityKey, identity)
		c.Next()
	}
}

func tokenFromRequest(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header != "" && strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[len("Bearer "):])
	}
	return strings.TrimSpace(c.Query("token"))
}

// GetIdentity obtiene la identidad verificada desde el contexto.
func GetIdentity(c *gin.Context) (domain.Identity, bool) {
	val, ok := c.Get(authIdentityKey)
	if !ok {
		return domain.Identity{}, false
	}
	identity, ok := val.(domain.Identity)
	return identity, ok
}
