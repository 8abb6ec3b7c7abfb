package server

import (
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	chatdomain "github.com/smallbiznis/creditmeter/internal/chat/domain"
	"go.uber.org/zap"
)

const (
	HeaderUserID     = "X-User-Id"
	contextUserIDKey = "user_id"
)

// UserRequired trusts the identity forwarded by the auth gateway.
func UserRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if userID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Set(contextUserIDKey, userID)
		c.Next()
	}
}

func userIDFrom(c *gin.Context) string {
	return c.GetString(contextUserIDKey)
}

func (s *Server) RequireAuthorization(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.authzSvc.Authorize(c.Request.Context(), userIDFrom(c), object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// ChatRateLimit applies the per-user token bucket. Without Redis every
// request passes.
func (s *Server) ChatRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := s.guard.AllowChat(c.Request.Context(), userIDFrom(c))
		if err != nil {
			// fail open, the ledger still guards the balance
			s.log.Warn("chat rate limit unavailable", zap.Error(err))
			c.Next()
			return
		}
		if result != nil && !result.Allowed {
			if result.RetryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(int(math.Ceil(result.RetryAfter.Seconds()))))
			}
			AbortWithError(c, chatdomain.ErrRateLimited)
			return
		}
		c.Next()
	}
}
