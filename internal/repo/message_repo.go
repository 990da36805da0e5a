// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message model.
package repo

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/consultio/chat-backend/internal/domain"
)

// CreateMessage inserts a new message row with a server-assigned identity
// and UTC timestamp. The client never supplies either.
func CreateMessage(db *gorm.DB, conversationID, senderID, senderRole, content string) (*domain.Message, error) {
	m := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderRole:     senderRole,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	return m, db.Create(m).Error
}

// ListMessages returns messages ordered deterministically (CreatedAt ASC, ID ASC).
func ListMessages(db *gorm.DB, conversationID string, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.Where("conversation_id = ?", conversationID).Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// ListMessagesSince returns messages with CreatedAt strictly greater than
// since, ascending. A zero since returns the full log. This is the query
// behind the client's fallback pull.
func ListMessagesSince(db *gorm.DB, conversationID string, since time.Time) ([]domain.Message, error) {
	var out []domain.Message
	q := db.Where("conversation_id = ?", conversationID)
	if !since.IsZero() {
		q = q.Where("created_at > ?", since)
	}
	err := q.Order("created_at ASC, id ASC").Find(&out).Error
	return out, err
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error (as tests expect).
func CountMessages(db *gorm.DB, conversationID string) (int64, error) {
	var total int64
	err := db.Raw("SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conversationID).Scan(&total).Error
	return total, err
}

// ListMessagesPage returns a paginated slice ordered (CreatedAt ASC, ID ASC).
func ListMessagesPage(db *gorm.DB, conversationID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// MarkMessagesRead flags every message in the conversation that was NOT
// authored by readerRole. Idempotent: already-read rows are matched but
// unchanged. Returns the number of rows transitioned.
func MarkMessagesRead(db *gorm.DB, conversationID, readerRole string) (int64, error) {
	res := db.Model(&domain.Message{}).
		Where("conversation_id = ? AND sender_role <> ? AND is_read = ?", conversationID, readerRole, false).
		Update("is_read", true)
	return res.RowsAffected, res.Error
}

// GetMessage fetches a message by ID.
func GetMessage(db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}
