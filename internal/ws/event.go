// Package ws implements the real-time layer: a room-per-conversation hub,
// per-connection sessions with read/write pumps, and the JSON event protocol
// spoken over the WebSocket.
//
// Every frame is an Envelope{event, data}. Client-originated events drive
// room membership and message submission; server-originated events carry
// persisted messages, presence notices, and typing relays.
package ws

import "encoding/json"

// Client → server events.
const (
	EventJoinChat    = "join_chat"
	EventLeaveChat   = "leave_chat"
	EventSendMessage = "send_message"
	EventTyping      = "typing"
	EventStopTyping  = "stop_typing"
)

// Server → client events.
const (
	EventRoomJoined       = "room_joined"
	EventNewMessage       = "new_message"
	EventMessageSent      = "message_sent"
	EventUserJoined       = "user_joined"
	EventUserLeft         = "user_left"
	EventUserDisconnected = "user_disconnected"
	EventError            = "error"
)

// Envelope is the wire frame: an event name plus its JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinPayload asks to enter (or leave) a conversation room.
type JoinPayload struct {
	ConversationID string `json:"conversation_id"`
}

// SendPayload submits a message to the joined conversation. TempID is an
// optional client-side correlation handle echoed back in message_sent.
type SendPayload struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	TempID         string `json:"temp_id,omitempty"`
}

// TypingPayload flags the start or end of composing.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
}

// RoomJoinedPayload confirms room entry to the joining client. CurrentRooms
// is the session's full membership after the join; with one room per session
// it carries a single element, and clients confirm against it rather than
// trusting the echoed conversation_id alone.
type RoomJoinedPayload struct {
	ConversationID string   `json:"conversation_id"`
	UserID         string   `json:"user_id"`
	Role           string   `json:"role"`
	CurrentRooms   []string `json:"current_rooms"`
}

// PresencePayload announces a peer entering, leaving, or dropping off a room.
type PresencePayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Role           string `json:"role"`
}

// TypingNotice relays a peer's typing state to the rest of the room.
type TypingNotice struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Role           string `json:"role"`
}

// ErrorPayload reports a rejected event without tearing the connection down.
// TempID carries the client correlation handle when a send was rejected, so
// the optimistic entry can be rolled back.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TempID  string `json:"temp_id,omitempty"`
}

// encode marshals an event frame. Payload marshal errors are programmer
// errors; callers treat a nil return as "drop the frame".
func encode(event string, data any) []byte {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil
		}
		raw = b
	}
	b, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return nil
	}
	return b
}
