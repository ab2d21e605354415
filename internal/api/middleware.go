package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pulsetrade/pulse/internal/config"
)

const (
	ctxKeyCorrelation = "correlation_id"
	ctxKeyAdmin       = "auth_admin"
)

// LoggerMiddleware logs one line per request with a correlation id that is
// echoed back to the caller.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		cid := c.GetHeader("X-Correlation-ID")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Set(ctxKeyCorrelation, cid)
		c.Header("X-Correlation-ID", cid)

		c.Next()

		log.Info().
			Str("component", "api").
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("correlation_id", cid).
			Msg("request")
	}
}

// AuthMiddleware validates bearer API keys against their configured SHA-256
// digests. Health and metrics endpoints are exempt; admin routes require a
// key flagged admin.
func AuthMiddleware(cfg config.APIConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.AuthEnabled || exemptPath(c.Request.URL.Path) {
			c.Next()
			return
		}

		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" || token == c.GetHeader("Authorization") {
			abortWithError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}

		sum := sha256.Sum256([]byte(token))
		digest := hex.EncodeToString(sum[:])
		for _, k := range cfg.Keys {
			if subtle.ConstantTimeCompare([]byte(digest), []byte(strings.ToLower(k.SHA256))) == 1 {
				c.Set(ctxKeyAdmin, k.Admin)
				c.Next()
				return
			}
		}
		abortWithError(c, http.StatusUnauthorized, "UNAUTHORIZED", "unknown api key")
	}
}

// RequireAdmin guards operator-only routes.
func RequireAdmin(cfg config.APIConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.AuthEnabled {
			c.Next()
			return
		}
		if admin, ok := c.Get(ctxKeyAdmin); !ok || admin != true {
			abortWithError(c, http.StatusForbidden, "FORBIDDEN", "admin key required")
			return
		}
		c.Next()
	}
}

func exemptPath(path string) bool {
	return strings.HasPrefix(path, "/health") || path == "/metrics"
}

// errorEnvelope is the uniform error body: a stable code, a human message,
// and the request's correlation id.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	CorrelationID string `json:"correlation_id"`
}

func abortWithError(c *gin.Context, status int, code, message string) {
	var env errorEnvelope
	env.Error.Code = code
	env.Error.Message = message
	env.CorrelationID = c.GetString(ctxKeyCorrelation)
	c.AbortWithStatusJSON(status, env)
}
