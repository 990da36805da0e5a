package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/consultio/chat-backend/internal/domain"
	"github.com/consultio/chat-backend/internal/services"
	"github.com/consultio/chat-backend/internal/window"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long we tolerate a silent peer before dropping it.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = 54 * time.Second
	// maxFrameSize caps inbound frames; message bodies are far smaller.
	maxFrameSize = 16 << 10
	// sendBuffer is the per-session outbound queue depth.
	sendBuffer = 64
)

// RoomAuthorizer verifies that a user participates in a conversation before
// the hub admits their session to its room, and evaluates the conversation's
// access window for write paths that do not go through Append.
type RoomAuthorizer interface {
	Get(ctx context.Context, userID, role, id string) (*domain.Conversation, error)
	Window(ctx context.Context, userID, role, id string, now time.Time) (window.Verdict, error)
}

// MessageAppender persists a message on behalf of a connected participant.
type MessageAppender interface {
	Append(ctx context.Context, userID, role, conversationID, content string) (*domain.Message, error)
}

// Session is one authenticated WebSocket connection. The read pump consumes
// client events; the write pump drains the outbound queue and keeps the
// connection alive with pings.
type Session struct {
	hub  *Hub
	conn *websocket.Conn
	log  zerolog.Logger

	userID string
	role   string

	conversations RoomAuthorizer
	messages      MessageAppender

	// room is the current conversation room; guarded by hub.mu.
	room string

	send chan []byte
}

func newSession(hub *Hub, conn *websocket.Conn, log zerolog.Logger, userID, role string, conversations RoomAuthorizer, messages MessageAppender) *Session {
	return &Session{
		hub:           hub,
		conn:          conn,
		log:           log,
		userID:        userID,
		role:          role,
		conversations: conversations,
		messages:      messages,
		send:          make(chan []byte, sendBuffer),
	}
}

// Room returns the conversation room the session currently occupies.
func (s *Session) Room() string {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	return s.room
}

// enqueue queues a frame for the write pump, dropping it if the client's
// buffer is full. Slow consumers recover through the fallback pull.
func (s *Session) enqueue(frame []byte) {
	select {
	case s.send <- frame:
	default:
		wsDropped.Inc()
	}
}

// run starts the pumps and blocks until the connection dies.
func (s *Session) run(ctx context.Context) {
	wsConnections.Inc()
	defer wsConnections.Dec()

	done := make(chan struct{})
	go s.writePump(done)
	s.readPump(ctx)
	close(done)
}

func (s *Session) readPump(ctx context.Context) {
	defer func() {
		s.hub.leave(s, false)
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn().Err(err).Str("user_id", s.userID).Msg("ws: read failed")
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.sendError("invalid_payload", "malformed frame")
			continue
		}
		wsEvents.WithLabelValues(env.Event, "in").Inc()
		s.dispatch(ctx, env)
	}
}

func (s *Session) writePump(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Session) dispatch(ctx context.Context, env Envelope) {
	switch env.Event {
	case EventJoinChat:
		s.handleJoin(ctx, env.Data)
	case EventLeaveChat:
		s.hub.leave(s, true)
	case EventSendMessage:
		s.handleSend(ctx, env.Data)
	case EventTyping, EventStopTyping:
		s.handleTyping(ctx, env.Event, env.Data)
	default:
		s.sendError("invalid_payload", "unsupported event: "+env.Event)
	}
}

// handleJoin admits the session to the conversation room after a participant
// check. Joining is allowed outside the access window: reading history and
// receiving presence stays open even when writing is gated off.
func (s *Session) handleJoin(ctx context.Context, raw json.RawMessage) {
	var p JoinPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == "" {
		s.sendError("invalid_payload", "join_chat requires conversation_id")
		return
	}
	if _, err := s.conversations.Get(ctx, s.userID, s.role, p.ConversationID); err != nil {
		s.sendServiceError(err)
		return
	}
	s.hub.join(s, p.ConversationID)
	s.enqueue(encode(EventRoomJoined, RoomJoinedPayload{
		ConversationID: p.ConversationID,
		UserID:         s.userID,
		Role:           s.role,
		CurrentRooms:   []string{p.ConversationID},
	}))
}

// handleSend persists the message and confirms it to the sender. The room
// broadcast of new_message happens inside the append path, so its order is
// the persistence order.
func (s *Session) handleSend(ctx context.Context, raw json.RawMessage) {
	var p SendPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == "" {
		s.sendError("invalid_payload", "send_message requires conversation_id")
		return
	}
	if s.Room() != p.ConversationID {
		s.sendError("not_joined", "join the conversation before sending")
		return
	}

	msg, err := s.messages.Append(ctx, s.userID, s.role, p.ConversationID, p.Content)
	if err != nil {
		s.sendServiceErrorFor(err, p.TempID)
		return
	}
	s.enqueue(encode(EventMessageSent, MessageSentPayload{Message: *msg, TempID: p.TempID}))
}

// handleTyping relays typing state to the rest of the room, never back to the
// typist. Typing is a write, so it consults the access window the same way a
// send does; outside the window it is rejected, not relayed.
func (s *Session) handleTyping(ctx context.Context, event string, raw json.RawMessage) {
	var p TypingPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == "" {
		s.sendError("invalid_payload", event+" requires conversation_id")
		return
	}
	if s.Room() != p.ConversationID {
		s.sendError("not_joined", "join the conversation before typing")
		return
	}
	v, err := s.conversations.Window(ctx, s.userID, s.role, p.ConversationID, time.Now().UTC())
	if err != nil {
		s.sendServiceError(err)
		return
	}
	if !v.Writable {
		s.sendError("window_closed", "appointment window is closed")
		return
	}
	s.hub.BroadcastOthers(p.ConversationID, s, event, TypingNotice{
		ConversationID: p.ConversationID,
		UserID:         s.userID,
		Role:           s.role,
	})
}

func (s *Session) sendError(code, message string) {
	s.enqueue(encode(EventError, ErrorPayload{Code: code, Message: message}))
}

// sendServiceError maps service-level failures onto protocol error codes.
func (s *Session) sendServiceError(err error) {
	s.sendServiceErrorFor(err, "")
}

// sendServiceErrorFor additionally echoes the client's correlation handle so
// a rejected send can roll back its optimistic entry.
func (s *Session) sendServiceErrorFor(err error, tempID string) {
	code, message := "internal", "internal error"
	switch {
	case errors.Is(err, services.ErrConversationNotFound):
		code, message = "not_found", "conversation not found"
	case errors.Is(err, services.ErrNotParticipant), errors.Is(err, services.ErrRoleMismatch):
		code, message = "forbidden", "not a participant of this conversation"
	case errors.Is(err, services.ErrWindowClosed):
		code, message = "window_closed", "appointment window is closed"
	case errors.Is(err, services.ErrConversationClosed):
		code, message = "conversation_closed", "conversation is closed"
	case errors.Is(err, services.ErrEmptyContent):
		code, message = "invalid_payload", "message content is empty"
	case errors.Is(err, services.ErrTooLong):
		code, message = "invalid_payload", "message content too long"
	default:
		s.log.Error().Err(err).Str("user_id", s.userID).Msg("ws: internal error")
	}
	s.enqueue(encode(EventError, ErrorPayload{Code: code, Message: message, TempID: tempID}))
}

// MessageSentPayload confirms a persisted message to its sender, echoing the
// client's correlation handle when one was supplied.
type MessageSentPayload struct {
	Message domain.Message `json:"message"`
	TempID  string         `json:"temp_id,omitempty"`
}
