// Package services – MessageService
//
// This file implements MessageService, the application-level component that
// owns the lifecycle of consultation messages. It validates inputs, verifies
// participant access, enforces the appointment access window, and persists the
// message together with the conversation recency touch atomically.
//
// Writes to the same conversation are serialized so that fan-out order always
// matches persistence order.
//
// Observability: public methods are OpenTelemetry-instrumented; spans include
// conversation/user identifiers and pagination parameters where applicable.

package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/consultio/chat-backend/internal/domain"
	"github.com/consultio/chat-backend/internal/repo"
	"github.com/consultio/chat-backend/internal/window"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Notifier receives a persisted message for fan-out to connected participants.
// It is invoked while the conversation's write lock is held, so invocation
// order matches persistence order.
type Notifier interface {
	MessageCreated(conversationID string, msg *domain.Message)
}

// MessageService coordinates message persistence, retrieval, and read receipts.
type MessageService struct {
	DB   *gorm.DB
	Gate window.Gate

	// Notifier fans persisted messages out to live connections. Optional.
	Notifier Notifier

	// MaxContentRunes caps stored message bodies by rune length.
	MaxContentRunes int

	locks convLocks
}

// NewMessageService constructs a MessageService with the default access window
// and content limit.
func NewMessageService(db *gorm.DB) *MessageService {
	return &MessageService{
		DB:              db,
		Gate:            window.Default,
		MaxContentRunes: 4000,
	}
}

// Append validates content, verifies the sender participates in the
// conversation, checks the access window, and persists the message together
// with the conversation recency touch in one transaction. The persisted
// message is handed to the Notifier before the conversation lock is released.
func (s *MessageService) Append(ctx context.Context, userID, role, conversationID, content string) (*domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Append",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if s.MaxContentRunes > 0 && utf8.RuneCountInString(content) > s.MaxContentRunes {
		return nil, ErrTooLong
	}

	unlock := s.locks.lock(conversationID)
	defer unlock()

	c, err := repo.GetConversation(ctx, s.DB, conversationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	if err := participant(c, userID, role); err != nil {
		return nil, err
	}
	if c.Closed() {
		return nil, ErrConversationClosed
	}
	if v := s.Gate.Check(c.ScheduledAt, time.Now()); !v.Writable {
		return nil, ErrWindowClosed
	}

	var msg *domain.Message
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := repo.CreateMessage(tx, conversationID, userID, role, content)
		if err != nil {
			return err
		}
		msg = m
		return repo.TouchConversation(ctx, tx, conversationID, m.CreatedAt)
	})
	if err != nil {
		return nil, err
	}

	if s.Notifier != nil {
		s.Notifier.MessageCreated(conversationID, msg)
	}
	return msg, nil
}

// List returns the full message history of a conversation in chronological
// order and flags the peer's unread messages as read, mirroring the behavior
// of a participant opening the thread.
func (s *MessageService) List(ctx context.Context, userID, role, conversationID string) ([]domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "List",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	if err := s.authorize(ctx, userID, role, conversationID); err != nil {
		return nil, err
	}
	items, err := repo.ListMessages(s.DB.WithContext(ctx), conversationID, 0)
	if err != nil {
		return nil, err
	}
	if _, err := repo.MarkMessagesRead(s.DB.WithContext(ctx), conversationID, role); err != nil {
		return nil, err
	}
	return items, nil
}

// ListSince returns messages created strictly after since, in chronological
// order. A zero since returns the full history. Unlike List it leaves read
// flags untouched, so reconciliation pulls do not consume receipts.
func (s *MessageService) ListSince(ctx context.Context, userID, role, conversationID string, since time.Time) ([]domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "ListSince",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	if err := s.authorize(ctx, userID, role, conversationID); err != nil {
		return nil, err
	}
	return repo.ListMessagesSince(s.DB.WithContext(ctx), conversationID, since)
}

// ListPage returns paginated messages for a conversation.
func (s *MessageService) ListPage(ctx context.Context, userID, role, conversationID string, page, pageSize int) ([]domain.Message, int64, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	offset := (page - 1) * pageSize

	if err := s.authorize(ctx, userID, role, conversationID); err != nil {
		return nil, 0, err
	}

	total, err := repo.CountMessages(s.DB.WithContext(ctx), conversationID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}

	items, err := repo.ListMessagesPage(s.DB.WithContext(ctx), conversationID, offset, pageSize)
	return items, total, err
}

// MarkRead flags every unread message from the caller's peer as read and
// returns the number of messages affected.
func (s *MessageService) MarkRead(ctx context.Context, userID, role, conversationID string) (int64, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "MarkRead",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	if err := s.authorize(ctx, userID, role, conversationID); err != nil {
		return 0, err
	}
	return repo.MarkMessagesRead(s.DB.WithContext(ctx), conversationID, role)
}

// authorize loads the conversation and verifies the caller's participation.
func (s *MessageService) authorize(ctx context.Context, userID, role, conversationID string) error {
	c, err := repo.GetConversation(ctx, s.DB, conversationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrConversationNotFound
		}
		return err
	}
	return participant(c, userID, role)
}

// convLocks hands out one mutex per conversation so concurrent writers to the
// same thread are serialized while distinct threads proceed in parallel.
type convLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *convLocks) lock(id string) (unlock func()) {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*sync.Mutex)
	}
	cm, ok := l.m[id]
	if !ok {
		cm = &sync.Mutex{}
		l.m[id] = cm
	}
	l.mu.Unlock()

	cm.Lock()
	return cm.Unlock
}
