// Package auth guards operator endpoints with a static bearer token.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/assessly/assessly/internal/logging"
)

// ContextKeyOperator is set on requests that presented the admin token.
const ContextKeyOperator = "authOperator"

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header. The scheme is matched case-insensitively.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// TokenMatches compares a presented token against the configured one in
// constant time. An empty configured token never matches.
func TokenMatches(presented, configured string) bool {
	if configured == "" || presented == "" {
		return false
	}
	a := sha256.Sum256([]byte(presented))
	b := sha256.Sum256([]byte(configured))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// RequireAdminToken rejects requests that lack the admin bearer token:
// 401 when none is presented, 403 when it does not match.
func RequireAdminToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := BearerToken(c.GetHeader("Authorization"))
		if presented == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		if !TokenMatches(presented, token) {
			logging.L(c.Request.Context()).Warn("admin token rejected",
				"path", c.FullPath(), "client_ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin token.",
			})
			return
		}
		c.Set(ContextKeyOperator, true)
		c.Next()
	}
}

// IsOperator reports whether the request passed RequireAdminToken.
func IsOperator(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyOperator)
	return exists
}
