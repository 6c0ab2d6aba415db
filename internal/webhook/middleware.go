package webhook

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// SecretHeader carries the shared secret configured in the CRM workflow.
const SecretHeader = "X-Webhook-Secret"

// SecretAuthMiddleware rejects deliveries without the shared secret. An empty
// secret disables the check (development only; config refuses it in production).
func SecretAuthMiddleware(secret string) gin.HandlerFunc {
	expected := []byte(strings.TrimSpace(secret))
	return func(c *gin.Context) {
		if len(expected) == 0 {
			c.Next()
			return
		}

		provided := c.GetHeader(SecretHeader)
		if provided == "" {
			provided = c.Query("secret")
		}
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing webhook secret"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(provided), expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook secret"})
			return
		}
		c.Next()
	}
}
