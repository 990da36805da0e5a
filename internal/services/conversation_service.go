// Package services – ConversationService
//
// This file implements the ConversationService, which manages the lifecycle of
// appointment-scoped conversations. It enforces the one-conversation-per-
// appointment rule, verifies participant access, and coordinates repository
// operations for opening, listing, and closing conversations.
//
// Service-level errors (e.g., ErrConversationNotFound) are returned for
// predictable cases so handlers can map them to HTTP results consistently.
package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/consultio/chat-backend/internal/domain"
	"github.com/consultio/chat-backend/internal/repo"
	"github.com/consultio/chat-backend/internal/window"
)

// ConversationRepo defines the repository contract required by
// ConversationService. Implementations are responsible for persistence of
// conversation aggregates.
type ConversationRepo interface {
	// CreateConversation inserts a new conversation row for the appointment.
	CreateConversation(ctx context.Context, db *gorm.DB, appointmentID, doctorID, patientID string, scheduledAt time.Time) (*domain.Conversation, error)

	// GetConversation fetches a conversation by ID.
	GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error)

	// FindConversationByAppointment fetches the conversation bound to an appointment.
	FindConversationByAppointment(ctx context.Context, db *gorm.DB, appointmentID string) (*domain.Conversation, error)

	// ListConversationsForUser returns all conversations the user participates
	// in under the given role, most recently active first.
	ListConversationsForUser(ctx context.Context, db *gorm.DB, userID, role string) ([]domain.Conversation, error)

	// CloseConversation transitions an active conversation to closed.
	CloseConversation(ctx context.Context, db *gorm.DB, id string) error
}

// ConversationService provides conversation-level operations such as opening,
// listing, and closing conversations. It enforces the appointment uniqueness
// rule and participant access constraints.
type ConversationService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the conversation repository used by this service.
	Repo ConversationRepo

	// Gate decides whether the appointment access window is open.
	Gate window.Gate
}

// NewConversationService constructs a ConversationService with the default
// access window.
func NewConversationService(db *gorm.DB, r ConversationRepo) *ConversationService {
	return &ConversationService{
		DB:   db,
		Repo: r,
		Gate: window.Default,
	}
}

// Open returns the conversation bound to the appointment, creating it if it
// does not exist yet. Concurrent opens for the same appointment converge on a
// single row: a duplicate insert is resolved by re-fetching the winner.
func (s *ConversationService) Open(ctx context.Context, appointmentID, doctorID, patientID string, scheduledDate time.Time, scheduledTime string) (*domain.Conversation, error) {
	scheduledAt, err := window.At(scheduledDate, scheduledTime)
	if err != nil {
		return nil, err
	}

	if c, err := s.Repo.FindConversationByAppointment(ctx, s.DB, appointmentID); err == nil {
		return c, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	c, err := s.Repo.CreateConversation(ctx, s.DB, appointmentID, doctorID, patientID, scheduledAt)
	if errors.Is(err, repo.ErrDuplicate) {
		// Lost the race; the other opener's row is authoritative.
		return s.Repo.FindConversationByAppointment(ctx, s.DB, appointmentID)
	}
	return c, err
}

// Get fetches a conversation by ID, verifying that the caller participates in
// it under the declared role.
func (s *ConversationService) Get(ctx context.Context, userID, role, id string) (*domain.Conversation, error) {
	c, err := s.Repo.GetConversation(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	if err := participant(c, userID, role); err != nil {
		return nil, err
	}
	return c, nil
}

// List returns all conversations the user participates in under the given
// role, most recently active first.
func (s *ConversationService) List(ctx context.Context, userID, role string) ([]domain.Conversation, error) {
	if !domain.ValidRole(role) {
		return nil, ErrRoleMismatch
	}
	return s.Repo.ListConversationsForUser(ctx, s.DB, userID, role)
}

// Close transitions the conversation to closed. Closing an already-closed
// conversation reports ErrConversationClosed.
func (s *ConversationService) Close(ctx context.Context, userID, role, id string) error {
	c, err := s.Get(ctx, userID, role, id)
	if err != nil {
		return err
	}
	if c.Closed() {
		return ErrConversationClosed
	}
	if err := s.Repo.CloseConversation(ctx, s.DB, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrConversationClosed
		}
		return err
	}
	return nil
}

// Window reports the access-window verdict for the conversation at now.
func (s *ConversationService) Window(ctx context.Context, userID, role, id string, now time.Time) (window.Verdict, error) {
	c, err := s.Get(ctx, userID, role, id)
	if err != nil {
		return window.Verdict{}, err
	}
	return s.Gate.Check(c.ScheduledAt, now), nil
}

// participant verifies that userID holds the declared role in the conversation.
func participant(c *domain.Conversation, userID, role string) error {
	switch role {
	case domain.RoleDoctor:
		if c.DoctorID != userID {
			return ErrNotParticipant
		}
	case domain.RolePatient:
		if c.PatientID != userID {
			return ErrNotParticipant
		}
	default:
		return ErrRoleMismatch
	}
	return nil
}
