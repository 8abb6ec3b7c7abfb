package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	chatdomain "github.com/smallbiznis/creditmeter/internal/chat/domain"
	obstracing "github.com/smallbiznis/creditmeter/internal/observability/tracing"
	"go.uber.org/zap"
)

func (s *Server) CreateChatSession(c *gin.Context) {
	var req chatdomain.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.UserID = userIDFrom(c)

	session, err := s.chatSvc.CreateSession(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, session)
}

func (s *Server) ListChatMessages(c *gin.Context) {
	pageSize, err := parseOptionalInt(c.Query("page_size"))
	if err != nil {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid page_size"))
		return
	}

	resp, err := s.chatSvc.ListMessages(c.Request.Context(), chatdomain.ListMessagesRequest{
		UserID:    userIDFrom(c),
		SessionID: c.Param("id"),
		PageToken: strings.TrimSpace(c.Query("page_token")),
		PageSize:  pageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if resp.Messages == nil {
		resp.Messages = []chatdomain.ChatMessage{}
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) StreamChat(c *gin.Context) {
	var req chatdomain.StreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.UserID = userIDFrom(c)
	req.SessionID = c.Param("id")
	c.Set(obstracing.KeyModel, req.Model)

	sink := newSSESink(c)
	result, err := s.chatSvc.Stream(c.Request.Context(), req, sink)
	if err != nil {
		if !sink.started {
			AbortWithError(c, err)
			return
		}
		// headers are gone, the error can only travel as an event
		_ = sink.Send(chatdomain.ErrorEvent{Type: chatdomain.EventTypeError, Message: "stream failed"})
		s.log.Error("chat stream failed after start", zap.String("session_id", req.SessionID), zap.Error(err))
		return
	}

	s.log.Debug("chat stream finished",
		zap.String("session_id", req.SessionID),
		zap.String("state", string(result.State)),
		zap.Int64("credits_consumed", result.CreditsConsumed),
	)
}

// sseSink writes each event as a `data: <json>` frame. Headers are sent on the
// first event so failures before that still map to a JSON error response.
type sseSink struct {
	c       *gin.Context
	flusher http.Flusher
	started bool
}

func newSSESink(c *gin.Context) *sseSink {
	flusher, _ := c.Writer.(http.Flusher)
	return &sseSink{c: c, flusher: flusher}
}

func (s *sseSink) start() {
	if s.started {
		return
	}
	w := s.c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	s.c.Status(http.StatusOK)
	w.WriteHeaderNow()
	s.started = true
}

func (s *sseSink) Send(event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := s.c.Request.Context().Err(); err != nil {
		return err
	}

	s.start()
	if _, err := fmt.Fprintf(s.c.Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
