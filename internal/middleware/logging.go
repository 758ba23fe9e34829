package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentqueue/control-plane/internal/logging"
)

// Logger returns a gin middleware that logs each request through the
// structured logger via Logger.LogHTTPRequest, instead of the
// standard library's log package.
func Logger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.LogHTTPRequest(c.Request.Method, path, c.ClientIP(), c.Writer.Status(), time.Since(start))
	}
}
