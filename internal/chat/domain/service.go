package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// State is where a streamed generation ended up.
type State string

const (
	StateRejected      State = "rejected"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateBillingFailed State = "billing_failed"
)

type CreateSessionRequest struct {
	UserID string `json:"-"`
	Title  string `json:"title"`
	Model  string `json:"model"`
}

type StreamRequest struct {
	UserID    string `json:"-"`
	SessionID string `json:"-"`
	Model     string `json:"model,omitempty"`
	Content   string `json:"content"`
}

// ListMessagesRequest pages a transcript backwards from the newest message.
type ListMessagesRequest struct {
	UserID    string
	SessionID string
	PageToken string
	PageSize  int
}

// ListMessagesResponse holds one page in creation order. NextPageToken
// points at older messages.
type ListMessagesResponse struct {
	Messages      []ChatMessage `json:"messages"`
	NextPageToken string        `json:"next_page_token,omitempty"`
	HasMore       bool          `json:"has_more"`
}

type StreamResult struct {
	State            State
	EstimatedCredits int64
	CreditsConsumed  int64
	PromptTokens     int64
	CompletionTokens int64
	UsageReported    bool
}

type Repository interface {
	InsertSession(ctx context.Context, db *gorm.DB, session *ChatSession) error
	FindSession(ctx context.Context, db *gorm.DB, userID string, id snowflake.ID) (*ChatSession, error)
	TouchSession(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	InsertMessage(ctx context.Context, db *gorm.DB, message *ChatMessage) error
	ListRecentMessages(ctx context.Context, db *gorm.DB, sessionID snowflake.ID, limit int) ([]ChatMessage, error)
	// ListMessagesBefore returns up to limit messages older than beforeID
	// (all when zero), newest first.
	ListMessagesBefore(ctx context.Context, db *gorm.DB, sessionID snowflake.ID, beforeID int64, limit int) ([]ChatMessage, error)
}

type Service interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (ChatSession, error)
	ListMessages(ctx context.Context, req ListMessagesRequest) (ListMessagesResponse, error)
	// Stream runs one generation. Errors are returned only for problems found
	// before anything was sent to sink; later outcomes arrive as events.
	Stream(ctx context.Context, req StreamRequest, sink EventSink) (StreamResult, error)
}

var (
	ErrInvalidUser      = errors.New("invalid_user")
	ErrInvalidSession   = errors.New("invalid_session")
	ErrInvalidContent   = errors.New("invalid_content")
	ErrSessionNotFound  = errors.New("session_not_found")
	ErrRateLimited      = errors.New("rate_limited")
	ErrInvalidPageToken = errors.New("invalid_page_token")
)
