// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate/statistics queries used
// primarily for conditional responses (e.g., ETag generation) in the HTTP
// layer. Each function is context-aware and safe to call from services or
// handlers.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/consultio/chat-backend/internal/domain"
)

// ConversationsStats returns aggregate metadata for the conversations a
// participant belongs to: the total number of rows and the maximum UpdatedAt
// timestamp among those rows. Role selects which participant column is
// matched against userID.
//
// When the user has no conversations, the returned count is 0 and maxUpdated
// is nil.
func ConversationsStats(ctx context.Context, db *gorm.DB, userID, role string) (count int64, maxUpdated *time.Time, err error) {
	col := "patient_id"
	if role == domain.RoleDoctor {
		col = "doctor_id"
	}
	q := db.WithContext(ctx).Model(&domain.Conversation{}).Where(col+" = ?", userID)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}

// MessagesStats returns aggregate metadata for messages within a given
// conversation: the total number of rows and the maximum CreatedAt timestamp
// among those rows.
//
// It executes two lightweight queries against the messages table scoped to
// the provided conversationID. When the conversation has no messages, the
// returned count is 0 and maxCreatedAt is nil.
//
// Return values:
//   - count:        total messages for conversationID
//   - maxCreatedAt: pointer to the greatest CreatedAt, or nil if no rows
//   - err:          database error, if any
func MessagesStats(ctx context.Context, db *gorm.DB, conversationID string) (count int64, maxCreatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Message{}).Where("conversation_id = ?", conversationID)

	// Count
	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest created_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		CreatedAt time.Time
	}
	if err = q.Select("created_at").Order("created_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.CreatedAt, nil
}
