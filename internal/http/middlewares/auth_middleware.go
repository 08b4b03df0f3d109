package middlewares

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Keep this small interface so tests can fake it easily.
type BearerVerifier interface {
	VerifyBearer(ctx context.Context, token string) error
}

type AuthMiddleware struct {
	verifier BearerVerifier

	// disabled is the incident-mode override (ADMIN_AUTH_DISABLED); it
	// lets operators reach the admin surface when credentials are the
	// thing that broke. Never set in normal operation.
	disabled bool
}

func NewAuthMiddleware(verifier BearerVerifier, disabled bool) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier, disabled: disabled}
}

func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.disabled {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"ok": false,
				"error": gin.H{
					"code":    "unauthorized",
					"message": "Missing or invalid Authorization header",
				},
			})
			return
		}

		raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer"))
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"ok": false,
				"error": gin.H{
					"code":    "unauthorized",
					"message": "Missing or invalid bearer token",
				},
			})
			return
		}

		if err := m.verifier.VerifyBearer(c.Request.Context(), raw); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"ok": false,
				"error": gin.H{
					"code":    "unauthorized",
					"message": "Invalid or expired bearer token",
				},
			})
			return
		}

		c.Next()
	}
}
