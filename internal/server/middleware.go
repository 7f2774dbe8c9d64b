package server

import (
	"math"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/usageledger/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	apiRatePerSecond = 5
	apiRateBurst     = 20
)

// APIRateLimit caps ops API calls per client through the shared Redis
// bucket. Without Redis every request passes.
func (s *Server) APIRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		allowed, wait, err := s.limiter.Take(ctx, "usageledger:api:"+c.ClientIP(), apiRatePerSecond, apiRateBurst)
		if err != nil {
			logger.FromContext(ctx).Warn("api rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			AbortWithError(c, ErrTooManyRequests)
			return
		}
		c.Next()
	}
}
