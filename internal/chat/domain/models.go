package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ChatSession struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID    string       `json:"user_id" gorm:"type:text;not null;index"`
	Title     string       `json:"title" gorm:"type:text;not null;default:''"`
	Model     string       `json:"model" gorm:"type:text;not null"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time    `json:"updated_at" gorm:"not null"`
}

func (ChatSession) TableName() string { return "chat_sessions" }

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"

	MessageTypeText = "text"
)

type MessageStatus string

const (
	MessageStatusCompleted     MessageStatus = "completed"
	MessageStatusFailed        MessageStatus = "failed"
	MessageStatusBillingFailed MessageStatus = "billing_failed"
)

// ChatMessage is one turn of a generation. Rows are written once and never
// updated.
type ChatMessage struct {
	ID               snowflake.ID   `json:"id" gorm:"primaryKey"`
	SessionID        snowflake.ID   `json:"session_id" gorm:"not null;index"`
	UserID           string         `json:"user_id" gorm:"type:text;not null;index"`
	Role             string         `json:"role" gorm:"type:text;not null"`
	MessageType      string         `json:"message_type" gorm:"type:text;not null"`
	Content          string         `json:"content" gorm:"type:text;not null"`
	Model            string         `json:"model" gorm:"type:text;not null"`
	InputTokens      int64          `json:"input_tokens" gorm:"not null;default:0"`
	OutputTokens     int64          `json:"output_tokens" gorm:"not null;default:0"`
	ProcessingTimeMs int64          `json:"processing_time_ms" gorm:"not null;default:0"`
	CreditsConsumed  int64          `json:"credits_consumed" gorm:"not null;default:0"`
	Status           MessageStatus  `json:"status" gorm:"type:text;not null"`
	Metadata         datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at" gorm:"not null"`
}

func (ChatMessage) TableName() string { return "chat_messages" }
