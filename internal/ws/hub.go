package ws

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/consultio/chat-backend/internal/domain"
)

// Hub tracks which sessions occupy which conversation rooms and fans frames
// out to them. A session occupies at most one room at a time; joining a new
// room implicitly leaves the previous one.
//
// Hub implements services.Notifier, so every persisted message reaches every
// room member (the sender included) in persistence order.
type Hub struct {
	log zerolog.Logger

	mu    sync.RWMutex
	rooms map[string]map[*Session]struct{}
}

// NewHub constructs an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:   log,
		rooms: make(map[string]map[*Session]struct{}),
	}
}

// MessageCreated fans a freshly persisted message out to the room. Invoked by
// the message service while the conversation's write lock is held, which is
// what keeps fan-out order aligned with persistence order.
func (h *Hub) MessageCreated(conversationID string, msg *domain.Message) {
	h.Broadcast(conversationID, EventNewMessage, msg)
}

// Broadcast delivers an event to every member of the room. Broadcasting to an
// empty or unknown room is a no-op.
func (h *Hub) Broadcast(conversationID, event string, data any) {
	frame := encode(event, data)
	if frame == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.rooms[conversationID] {
		s.enqueue(frame)
	}
	wsEvents.WithLabelValues(event, "out").Inc()
}

// BroadcastOthers delivers an event to every room member except one.
func (h *Hub) BroadcastOthers(conversationID string, except *Session, event string, data any) {
	frame := encode(event, data)
	if frame == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.rooms[conversationID] {
		if s == except {
			continue
		}
		s.enqueue(frame)
	}
	wsEvents.WithLabelValues(event, "out").Inc()
}

// RoomSize reports the number of sessions currently in the room.
func (h *Hub) RoomSize(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// InRoom reports whether the user holds at least one session in the room.
func (h *Hub) InRoom(conversationID, userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.rooms[conversationID] {
		if s.userID == userID {
			return true
		}
	}
	return false
}

// join places the session in the room, switching rooms if it already occupies
// a different one. Re-joining the current room is idempotent: membership is
// unchanged and no presence notice is repeated.
func (h *Hub) join(s *Session, conversationID string) (rejoined bool) {
	h.mu.Lock()
	if s.room == conversationID {
		h.mu.Unlock()
		return true
	}
	prev := s.room
	if prev != "" {
		h.removeLocked(s, prev)
	}
	members, ok := h.rooms[conversationID]
	if !ok {
		members = make(map[*Session]struct{})
		h.rooms[conversationID] = members
		wsRooms.Inc()
	}
	members[s] = struct{}{}
	s.room = conversationID
	h.mu.Unlock()

	if prev != "" {
		h.BroadcastOthers(prev, s, EventUserLeft, PresencePayload{
			ConversationID: prev, UserID: s.userID, Role: s.role,
		})
	}
	h.BroadcastOthers(conversationID, s, EventUserJoined, PresencePayload{
		ConversationID: conversationID, UserID: s.userID, Role: s.role,
	})
	h.log.Debug().
		Str("conversation_id", conversationID).
		Str("user_id", s.userID).
		Msg("ws: session joined room")
	return false
}

// leave removes the session from its room, if any. Voluntary departures are
// announced as user_left, broken connections as user_disconnected.
func (h *Hub) leave(s *Session, voluntary bool) {
	h.mu.Lock()
	room := s.room
	if room == "" {
		h.mu.Unlock()
		return
	}
	h.removeLocked(s, room)
	s.room = ""
	h.mu.Unlock()

	event := EventUserDisconnected
	if voluntary {
		event = EventUserLeft
	}
	h.Broadcast(room, event, PresencePayload{
		ConversationID: room, UserID: s.userID, Role: s.role,
	})
	h.log.Debug().
		Str("conversation_id", room).
		Str("user_id", s.userID).
		Bool("voluntary", voluntary).
		Msg("ws: session left room")
}

// removeLocked drops the session from a room and collects the room when it
// empties. Caller holds h.mu.
func (h *Hub) removeLocked(s *Session, room string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, s)
	if len(members) == 0 {
		delete(h.rooms, room)
		wsRooms.Dec()
	}
}
