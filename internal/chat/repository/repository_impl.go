package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditmeter/internal/chat/domain"
	"gorm.io/gorm"
)

const messageColumns = `id, session_id, user_id, role, message_type, content, model, input_tokens,
	output_tokens, processing_time_ms, credits_consumed, status, metadata, created_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertSession(ctx context.Context, db *gorm.DB, session *domain.ChatSession) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO chat_sessions (id, user_id, title, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.UserID,
		session.Title,
		session.Model,
		session.CreatedAt,
		session.UpdatedAt,
	).Error
}

func (r *repo) FindSession(ctx context.Context, db *gorm.DB, userID string, id snowflake.ID) (*domain.ChatSession, error) {
	var item domain.ChatSession
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, title, model, created_at, updated_at
		FROM chat_sessions
		WHERE id = ? AND user_id = ?`,
		id, userID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) TouchSession(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE chat_sessions SET updated_at = ? WHERE id = ?`,
		at, id,
	).Error
}

func (r *repo) InsertMessage(ctx context.Context, db *gorm.DB, message *domain.ChatMessage) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO chat_messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.ID,
		message.SessionID,
		message.UserID,
		message.Role,
		message.MessageType,
		message.Content,
		message.Model,
		message.InputTokens,
		message.OutputTokens,
		message.ProcessingTimeMs,
		message.CreditsConsumed,
		message.Status,
		message.Metadata,
		message.CreatedAt,
	).Error
}

// ListRecentMessages returns the newest limit messages in creation order.
func (r *repo) ListRecentMessages(ctx context.Context, db *gorm.DB, sessionID snowflake.ID, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	var items []domain.ChatMessage
	err := db.WithContext(ctx).Raw(
		`SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+`
			FROM chat_messages
			WHERE session_id = ?
			ORDER BY id DESC
			LIMIT ?
		) AS recent
		ORDER BY id ASC`,
		sessionID, limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListMessagesBefore(ctx context.Context, db *gorm.DB, sessionID snowflake.ID, beforeID int64, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + messageColumns + ` FROM chat_messages WHERE session_id = ?`
	args := []any{sessionID}
	if beforeID > 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var items []domain.ChatMessage
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
