package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/creditmeter/internal/payment/domain"
)

const maxWebhookBody = 1 << 20

func (s *Server) CreateOrder(c *gin.Context) {
	var req paymentdomain.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.UserID = userIDFrom(c)

	order, err := s.paymentSvc.CreateOrder(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

func (s *Server) GetOrder(c *gin.Context) {
	order, err := s.paymentSvc.GetOrder(c.Request.Context(), userIDFrom(c), c.Param("order_no"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// HandleSessionPaid is the checkout provider's completion callback. The raw
// body is stored with the event so replays can be audited.
func (s *Server) HandleSessionPaid(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	var req paymentdomain.SessionPaidRequest
	if err := json.Unmarshal(body, &req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.Payload = body

	order, err := s.paymentSvc.HandleSessionPaid(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}
