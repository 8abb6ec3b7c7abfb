package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *Server) GetSubscription(c *gin.Context) {
	ctx := c.Request.Context()
	userID := userIDFrom(c)

	if _, err := s.subscriptionSvc.CheckAndResetSubscriptionCredits(ctx, userID); err != nil {
		s.log.Warn("lazy subscription reset failed", zap.String("user_id", userID), zap.Error(err))
	}

	state, err := s.subscriptionSvc.GetState(ctx, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, state)
}

func (s *Server) CancelSubscription(c *gin.Context) {
	ctx := c.Request.Context()
	userID := userIDFrom(c)

	if err := s.subscriptionSvc.Cancel(ctx, userID); err != nil {
		AbortWithError(c, err)
		return
	}

	state, err := s.subscriptionSvc.GetState(ctx, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, state)
}

// AdminExpireSubscription ends a term whose expiry date has passed.
func (s *Server) AdminExpireSubscription(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("user_id")

	if err := s.subscriptionSvc.Expire(ctx, userID); err != nil {
		AbortWithError(c, err)
		return
	}

	state, err := s.subscriptionSvc.GetState(ctx, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.log.Info("subscription expired by admin",
		zap.String("actor", userIDFrom(c)),
		zap.String("user_id", state.UserID),
	)
	c.JSON(http.StatusOK, state)
}
