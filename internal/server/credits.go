package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/smallbiznis/creditmeter/internal/credit/domain"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	pricingdomain "github.com/smallbiznis/creditmeter/internal/pricing/domain"
	"github.com/smallbiznis/creditmeter/internal/statement"
	"go.uber.org/zap"
)

// GetCredits applies any due subscription reset before reading the balance.
func (s *Server) GetCredits(c *gin.Context) {
	ctx := c.Request.Context()
	userID := userIDFrom(c)

	if _, err := s.subscriptionSvc.CheckAndResetSubscriptionCredits(ctx, userID); err != nil {
		s.log.Warn("lazy subscription reset failed", zap.String("user_id", userID), zap.Error(err))
	}

	balance, err := s.creditSvc.GetBalance(ctx, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balance)
}

func (s *Server) ListTransactions(c *gin.Context) {
	pageSize, err := parseOptionalInt(c.Query("page_size"))
	if err != nil {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid page_size"))
		return
	}

	resp, err := s.creditSvc.ListTransactions(c.Request.Context(), creditdomain.ListTransactionsRequest{
		UserID:    userIDFrom(c),
		PageToken: strings.TrimSpace(c.Query("page_token")),
		PageSize:  pageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if resp.Entries == nil {
		resp.Entries = []ledgerdomain.LedgerEntry{}
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) ExportTransactions(c *gin.Context) {
	req, ok := statementRequest(c, userIDFrom(c))
	if !ok {
		return
	}

	data, err := s.statementSvc.ExportXLSX(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="credits-%s.xlsx"`, req.UserID))
	c.Data(http.StatusOK, statement.ContentTypeXLSX, data)
}

func (s *Server) DownloadStatement(c *gin.Context) {
	req, ok := statementRequest(c, userIDFrom(c))
	if !ok {
		return
	}

	data, err := s.statementSvc.RenderPDF(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="statement-%s.pdf"`, req.UserID))
	c.Data(http.StatusOK, statement.ContentTypePDF, data)
}

// AdminDownloadStatement renders any user's statement, as xlsx when
// format=xlsx and as pdf otherwise.
func (s *Server) AdminDownloadStatement(c *gin.Context) {
	req, ok := statementRequest(c, c.Param("user_id"))
	if !ok {
		return
	}

	if strings.EqualFold(c.Query("format"), "xlsx") {
		data, err := s.statementSvc.ExportXLSX(c.Request.Context(), req)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="credits-%s.xlsx"`, req.UserID))
		c.Data(http.StatusOK, statement.ContentTypeXLSX, data)
		return
	}

	data, err := s.statementSvc.RenderPDF(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="statement-%s.pdf"`, req.UserID))
	c.Data(http.StatusOK, statement.ContentTypePDF, data)
}

func statementRequest(c *gin.Context, userID string) (statement.Request, bool) {
	req := statement.Request{UserID: strings.TrimSpace(userID)}

	from, err := parseOptionalTime(c.Query("from"), false)
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_from", "invalid from"))
		return req, false
	}
	to, err := parseOptionalTime(c.Query("to"), true)
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_to", "invalid to"))
		return req, false
	}
	if from != nil {
		req.From = *from
	}
	if to != nil {
		req.To = *to
	}
	return req, true
}

type estimateRequest struct {
	Model    string                  `json:"model"`
	Content  string                  `json:"content"`
	Messages []pricingdomain.Message `json:"messages"`
}

func (s *Server) EstimateCost(c *gin.Context) {
	var req estimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		AbortWithError(c, newValidationError("model", "invalid_model", "model is required"))
		return
	}

	messages := req.Messages
	if strings.TrimSpace(req.Content) != "" {
		messages = append(messages, pricingdomain.Message{Role: "user", Content: req.Content})
	}
	if len(messages) == 0 {
		AbortWithError(c, newValidationError("messages", "invalid_messages", "content or messages is required"))
		return
	}

	estimate, err := s.pricingSvc.EstimateRequest(model, messages)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, estimate)
}

type signupResponse struct {
	Granted bool                      `json:"granted"`
	Entry   *ledgerdomain.LedgerEntry `json:"entry,omitempty"`
}

// GrantSignupBonus is called by the identity service once a user exists.
func (s *Server) GrantSignupBonus(c *gin.Context) {
	entry, err := s.creditSvc.GrantSignupBonus(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, signupResponse{Granted: entry != nil, Entry: entry})
}

type adminGrantRequest struct {
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	ValidDays   int    `json:"valid_days"`
	Description string `json:"description"`
}

func (s *Server) AdminGrantCredits(c *gin.Context) {
	var req adminGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.ValidDays < 0 {
		AbortWithError(c, newValidationError("valid_days", "invalid_valid_days", "valid_days must not be negative"))
		return
	}

	increase := creditdomain.IncreaseRequest{
		UserID:      req.UserID,
		Amount:      req.Amount,
		TransType:   ledgerdomain.TransTypeAdminGrant,
		Description: strings.TrimSpace(req.Description),
	}
	if increase.Description == "" {
		increase.Description = "admin grant by " + userIDFrom(c)
	}
	if req.ValidDays > 0 {
		expiredAt := s.now().AddDate(0, 0, req.ValidDays)
		increase.ExpiredAt = &expiredAt
	}

	entry, err := s.creditSvc.Increase(c.Request.Context(), increase)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.log.Info("admin credit grant",
		zap.String("actor", userIDFrom(c)),
		zap.String("user_id", req.UserID),
		zap.Int64("amount", req.Amount),
	)
	c.JSON(http.StatusCreated, entry)
}
