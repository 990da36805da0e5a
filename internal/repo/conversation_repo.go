// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a conversation is not found, functions return
//     gorm.ErrRecordNotFound (also exported here as ErrNotFound).
//   - When an insert collides with the unique appointment index,
//     CreateConversation returns ErrDuplicate; the caller is expected to
//     re-fetch by appointment identity (see services.ConversationService).
//   - On other DB errors the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/consultio/chat-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicate indicates that an insert violated a unique index.
var ErrDuplicate = errors.New("duplicate")

// isUniqueViolation detects a SQLite unique-constraint failure.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

// CreateConversation inserts a new conversation for the given appointment.
// The conversation ID is a randomly generated UUID and CreatedAt is UTC.
// A collision on the appointment's unique index yields ErrDuplicate.
func CreateConversation(ctx context.Context, db *gorm.DB, appointmentID, doctorID, patientID string, scheduledAt time.Time) (*domain.Conversation, error) {
	now := time.Now().UTC()
	c := &domain.Conversation{
		ID:            uuid.NewString(),
		AppointmentID: appointmentID,
		DoctorID:      doctorID,
		PatientID:     patientID,
		ScheduledAt:   scheduledAt,
		Status:        domain.StatusActive,
		LastMessageAt: now,
		CreatedAt:     now,
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return c, nil
}

// GetConversation fetches a single conversation by its ID, or ErrNotFound.
func GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// FindConversationByAppointment fetches the conversation bound to an
// appointment identity, or ErrNotFound when none has been opened yet.
func FindConversationByAppointment(ctx context.Context, db *gorm.DB, appointmentID string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Where("appointment_id = ?", appointmentID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversationsForUser returns all conversations in which userID
// participates under the given role, most recently active first.
func ListConversationsForUser(ctx context.Context, db *gorm.DB, userID, role string) ([]domain.Conversation, error) {
	col := "patient_id"
	if role == domain.RoleDoctor {
		col = "doctor_id"
	}
	var out []domain.Conversation
	err := db.WithContext(ctx).
		Where(col+" = ?", userID).
		Order("last_message_at desc").
		Find(&out).Error
	return out, err
}

// TouchConversation bumps LastMessageAt, used after every append so that
// conversation lists order by recency.
func TouchConversation(ctx context.Context, db *gorm.DB, id string, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Update("last_message_at", at).Error
}

// CloseConversation transitions an active conversation to closed. If no rows
// are affected (missing or already closed) it returns ErrNotFound.
func CloseConversation(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND status = ?", id, domain.StatusActive).
		Update("status", domain.StatusClosed)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
