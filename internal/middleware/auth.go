package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/temcen/knnrec/internal/services"
)

const (
	contextSubject = "auth_subject"
	contextRole    = "auth_role"
)

// Auth accepts either "Authorization: Bearer <jwt>" or "X-API-Key: <key>".
func Auth(authService services.AuthServiceInterface, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey := c.GetHeader("X-API-Key"); apiKey != "" {
			role, err := authService.ValidateAPIKey(apiKey)
			if err != nil {
				logger.WithField("client_ip", c.ClientIP()).Warn("Invalid API key")
				abortUnauthorized(c, "INVALID_API_KEY", "Invalid API key")
				return
			}
			c.Set(contextSubject, "api-key")
			c.Set(contextRole, role)
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "MISSING_AUTHORIZATION", "Authorization header or X-API-Key is required")
			return
		}

		scheme, tokenString, found := strings.Cut(authHeader, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || tokenString == "" {
			abortUnauthorized(c, "INVALID_AUTHORIZATION_FORMAT", "Authorization header must be in format 'Bearer <token>'")
			return
		}

		claims, err := authService.ValidateToken(c.Request.Context(), tokenString)
		if err != nil {
			logger.WithError(err).Warn("Invalid JWT token")
			abortUnauthorized(c, "INVALID_TOKEN", "Invalid or expired token")
			return
		}

		c.Set(contextSubject, claims.Subject)
		c.Set(contextRole, claims.Role)
		c.Next()
	}
}

// RequireRole rejects authenticated callers lacking role. It must run after Auth.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(contextRole) != role {
			c.JSON(http.StatusForbidden, gin.H{
				"error": gin.H{
					"code":    "FORBIDDEN",
					"message": "Insufficient permissions",
				},
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func GetSubjectFromContext(c *gin.Context) (subject, role string) {
	return c.GetString(contextSubject), c.GetString(contextRole)
}

func abortUnauthorized(c *gin.Context, code, message string) {
	c.JSON(http.StatusUnauthorized, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
	c.Abort()
}
