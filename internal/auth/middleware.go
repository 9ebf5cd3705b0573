package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// InternalSecretHeader authenticates the game server on every internal
// route.
const InternalSecretHeader = "X-Internal-Secret"

// InternalAuthMiddleware gates internal routes behind the shared secret.
// The compare is constant-time.
func InternalAuthMiddleware(secret string) gin.HandlerFunc {
	secretBytes := []byte(secret)
	return func(c *gin.Context) {
		provided := c.GetHeader(InternalSecretHeader)
		if subtle.ConstantTimeCompare([]byte(provided), secretBytes) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Invalid or missing internal secret",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
