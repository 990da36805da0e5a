// Package services defines the business logic for consultations and messages.
// This file centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and translation
// into user-facing messages or HTTP status codes should be performed at the
// handler/controller layer.
package services

import "errors"

// Conversation-related errors.
var (
	// ErrConversationNotFound indicates that the requested conversation does
	// not exist or is not accessible to the current user.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrConversationClosed is returned when a write is attempted against a
	// conversation that has been closed.
	ErrConversationClosed = errors.New("conversation is closed")

	// ErrNotParticipant is returned when the caller is neither the doctor nor
	// the patient of the conversation they are trying to access.
	ErrNotParticipant = errors.New("not a participant of this conversation")

	// ErrRoleMismatch is returned when the declared sender role is not one of
	// the allowed participant roles.
	ErrRoleMismatch = errors.New("invalid participant role")

	// ErrWindowClosed is returned when a message is sent outside the
	// appointment access window.
	ErrWindowClosed = errors.New("appointment window is closed")

	// ErrEmptyContent is returned when a request to create a message contains
	// an empty body.
	ErrEmptyContent = errors.New("message content is empty")

	// ErrTooLong is returned when a request to create a message exceeds the
	// maximum configured length limit.
	ErrTooLong = errors.New("message content too long")
)
