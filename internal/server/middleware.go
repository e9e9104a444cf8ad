package server

import (
	"crypto/subtle"
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/entitlements/internal/auth"
	"github.com/smallbiznis/entitlements/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	HeaderAdminKey = "X-Admin-Key"

	rateLimitReasonUserRate = "user-rate"
)

// AdminKeyRequired gates operator routes. An unset ADMIN_API_KEY disables them entirely.
func (s *Server) AdminKeyRequired() gin.HandlerFunc {
	expected := []byte(strings.TrimSpace(s.cfg.AdminAPIKey))
	return func(c *gin.Context) {
		if len(expected) == 0 {
			AbortWithError(c, ErrNotFound)
			return
		}
		provided := []byte(strings.TrimSpace(c.GetHeader(HeaderAdminKey)))
		if len(provided) == 0 || subtle.ConstantTimeCompare(provided, expected) != 1 {
			logger.FromContext(c.Request.Context()).Warn("admin key rejected", zap.String("path", c.FullPath()))
			AbortWithError(c, ErrForbidden)
			return
		}
		c.Next()
	}
}

// ConsumeRateLimit throttles consume calls per user. Anonymous calls pass through
// and are denied by the checker itself.
func (s *Server) ConsumeRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		userID, ok := auth.UserIDFromContext(ctx)
		if !ok {
			c.Next()
			return
		}

		res := s.limiter.Allow(ctx, userID)
		if res.Allowed {
			c.Next()
			return
		}

		endpoint := normalizeRateLimitEndpoint(c)
		logger.FromContext(ctx).Warn("consume rate limit exceeded",
			zap.String("reason", rateLimitReasonUserRate),
			zap.String("endpoint", endpoint),
		)
		s.metrics.RecordRateLimitDenied(endpoint)

		retryAfter := int(math.Ceil(res.RetryAfter.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.Header("X-Rate-Limited-Reason", rateLimitReasonUserRate)
		AbortWithError(c, ErrRateLimited)
	}
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
