// Package middleware holds gin middleware specific to this service.
package middleware

import (
	"context"
	"strings"

	"lead_router_backend/platform/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDHeader is echoed back on every response.
const RequestIDHeader = "X-Request-ID"

// RequestID propagates the caller's request id, or mints one, into the
// request context so logger.WithContext picks it up.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(RequestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), logger.RequestIDKey, id))
		c.Next()
	}
}
