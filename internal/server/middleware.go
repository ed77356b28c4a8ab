// Package server wires the gin router the proxy's host-facing tools and
// the upstream passthrough endpoint are served from.
//
// Grounded on the teacher's internal/server/middleware.go: the same CORS
// and request-logging middleware shape, generalized away from its
// single-API-key auth model (this proxy has no host-facing auth of its
// own — it forwards the vendor's own OAuth-derived bearer tokens).
package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/relaycodex/codex-proxy/internal/utils"
)

// requestIDHeader is the header carrying this proxy's own request
// correlation ID, distinct from whatever ID (if any) the vendor assigns
// upstream.
const requestIDHeader = "X-Codex-Proxy-Request-Id"

// RequestIDMiddleware stamps every request with a UUID, reusing one the
// caller already supplied so a request traced through an upstream hop
// keeps the same ID end to end.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

// CORSMiddleware allows any origin to call the host-facing tool
// endpoints, matching the teacher's permissive local-tool CORS policy.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// RequestLogMiddleware logs method/path/status/latency for every request
// through the shared logger, quiet_mode permitting.
func RequestLogMiddleware(quiet bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if quiet {
			c.Next()
			return
		}
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		latency := time.Since(start)
		utils.Info("[%s] %s %s -> %d (%s)", c.GetString("request_id"), c.Request.Method, path, c.Writer.Status(), latency.Round(time.Millisecond))
	}
}
