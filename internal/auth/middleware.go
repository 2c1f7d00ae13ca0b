// Package auth resolves the caller identity for marketplace routes.
//
// Authentication happens upstream; the gateway forwards the verified user
// in X-User-ID. Operator routes check X-Admin-Secret and the auto-release
// trigger checks a shared sweep token.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/errandly/internal/logging"
)

const (
	// HeaderUserID carries the authenticated user forwarded by the edge.
	HeaderUserID = "X-User-ID"
	// HeaderAdminSecret authorizes operator routes.
	HeaderAdminSecret = "X-Admin-Secret"
	// HeaderSweepToken authorizes the auto-release trigger.
	HeaderSweepToken = "X-Sweep-Token"

	// ContextKeyUserID is the gin context key for the caller's user ID.
	ContextKeyUserID = "authUserID"

	maxUserIDLength = 128
)

// Middleware reads X-User-ID and stores it in the gin and request contexts.
// Requests without the header pass through unauthenticated.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if userID != "" && len(userID) <= maxUserIDLength {
			c.Set(ContextKeyUserID, userID)
			c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), userID))
		}
		c.Next()
	}
}

// RequireUser rejects requests without a caller identity.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-User-ID header required",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin compares X-Admin-Secret with secret in constant time.
// An empty secret disables admin routes entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "admin routes are disabled",
			})
			return
		}
		provided := c.GetHeader(HeaderAdminSecret)
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-Admin-Secret header required",
			})
			return
		}
		if !SecretEqual(provided, secret) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "invalid admin secret",
			})
			return
		}
		c.Next()
	}
}

// RequireSweepToken accepts the token in X-Sweep-Token or as a bearer
// token. Any mismatch, including a missing secret, is a 401.
func RequireSweepToken(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(HeaderSweepToken)
		if token == "" {
			token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if secret == "" || token == "" || !SecretEqual(token, secret) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "valid sweep token required",
			})
			return
		}
		c.Next()
	}
}

// SecretEqual compares two secrets in constant time.
func SecretEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// UserID returns the authenticated caller, or "".
func UserID(c *gin.Context) string {
	v, ok := c.Get(ContextKeyUserID)
	if !ok {
		return ""
	}
	id, _ := v.(string)
	return id
}

// IsAuthenticated reports whether the request carries a caller identity.
func IsAuthenticated(c *gin.Context) bool {
	return UserID(c) != ""
}
