package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/consultio/chat-backend/internal/auth"
	"github.com/consultio/chat-backend/internal/domain"
	"github.com/consultio/chat-backend/internal/repo"
	"github.com/consultio/chat-backend/internal/services"
)

var wsTestSecret = []byte("ws-test-secret")

type wsFixture struct {
	srv  *httptest.Server
	db   *gorm.DB
	conv *domain.Conversation
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("ws_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := db.AutoMigrate(&domain.Conversation{}, &domain.Message{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	conv, err := repo.CreateConversation(context.Background(), db, "appt-1", "doc-1", "pat-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	hub := NewHub(zerolog.Nop())
	convSvc := services.NewConversationService(db, repoAdapter{})
	msgSvc := services.NewMessageService(db)
	msgSvc.Notifier = hub

	h := NewHandler(hub, wsTestSecret, convSvc, msgSvc, zerolog.Nop())
	r := gin.New()
	r.GET("/ws", h.Serve)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &wsFixture{srv: srv, db: db, conv: conv}
}

// repoAdapter satisfies services.ConversationRepo with the real repo functions.
type repoAdapter struct{}

func (repoAdapter) CreateConversation(ctx context.Context, db *gorm.DB, appointmentID, doctorID, patientID string, scheduledAt time.Time) (*domain.Conversation, error) {
	return repo.CreateConversation(ctx, db, appointmentID, doctorID, patientID, scheduledAt)
}
func (repoAdapter) GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	return repo.GetConversation(ctx, db, id)
}
func (repoAdapter) FindConversationByAppointment(ctx context.Context, db *gorm.DB, appointmentID string) (*domain.Conversation, error) {
	return repo.FindConversationByAppointment(ctx, db, appointmentID)
}
func (repoAdapter) ListConversationsForUser(ctx context.Context, db *gorm.DB, userID, role string) ([]domain.Conversation, error) {
	return repo.ListConversationsForUser(ctx, db, userID, role)
}
func (repoAdapter) CloseConversation(ctx context.Context, db *gorm.DB, id string) error {
	return repo.CloseConversation(ctx, db, id)
}

func (f *wsFixture) dial(t *testing.T, userID, role string) *websocket.Conn {
	t.Helper()
	tok, err := auth.Mint(wsTestSecret, userID, role, time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?token=" + tok + "&role=" + role
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteJSON(Envelope{Event: event, Data: raw}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func TestServe_RejectsMissingAndBadTokens(t *testing.T) {
	f := newWSFixture(t)

	resp, err := http.Get(f.srv.URL + "/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: status = %d; want 401", resp.StatusCode)
	}

	resp, err = http.Get(f.srv.URL + "/ws?token=garbage")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d; want 401", resp.StatusCode)
	}
}

func TestServe_RequiresMatchingDeclaredRole(t *testing.T) {
	f := newWSFixture(t)

	tok, err := auth.Mint(wsTestSecret, "doc-1", domain.RoleDoctor, time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	// Token alone is not enough: the handshake must declare a role.
	resp, err := http.Get(f.srv.URL + "/ws?token=" + tok)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing role: status = %d; want 401", resp.StatusCode)
	}

	// A declared role that disagrees with the token is rejected.
	resp, err = http.Get(f.srv.URL + "/ws?token=" + tok + "&role=" + domain.RolePatient)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("role mismatch: status = %d; want 403", resp.StatusCode)
	}

	// The X-User-Role header works as the declaration too.
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/ws?token="+tok, nil)
	req.Header.Set("X-User-Role", domain.RolePatient)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("header role mismatch: status = %d; want 403", resp.StatusCode)
	}
}

func TestServe_JoinSendReceiveRoundTrip(t *testing.T) {
	f := newWSFixture(t)

	doc := f.dial(t, "doc-1", domain.RoleDoctor)
	pat := f.dial(t, "pat-1", domain.RolePatient)

	sendEvent(t, doc, EventJoinChat, JoinPayload{ConversationID: f.conv.ID})
	env0 := readEvent(t, doc)
	if env0.Event != EventRoomJoined {
		t.Fatalf("doc first event = %s; want room_joined", env0.Event)
	}
	var joined RoomJoinedPayload
	if err := json.Unmarshal(env0.Data, &joined); err != nil {
		t.Fatalf("unmarshal room_joined: %v", err)
	}
	if len(joined.CurrentRooms) != 1 || joined.CurrentRooms[0] != f.conv.ID {
		t.Fatalf("room_joined current_rooms = %v; want [%s]", joined.CurrentRooms, f.conv.ID)
	}

	sendEvent(t, pat, EventJoinChat, JoinPayload{ConversationID: f.conv.ID})
	if env := readEvent(t, pat); env.Event != EventRoomJoined {
		t.Fatalf("pat first event = %s; want room_joined", env.Event)
	}
	if env := readEvent(t, doc); env.Event != EventUserJoined {
		t.Fatalf("doc presence event = %s; want user_joined", env.Event)
	}

	sendEvent(t, doc, EventSendMessage, SendPayload{
		ConversationID: f.conv.ID,
		Content:        "hello patient",
		TempID:         "tmp-1",
	})

	// Sender sees the room broadcast first, then its own confirmation.
	if env := readEvent(t, doc); env.Event != EventNewMessage {
		t.Fatalf("doc event = %s; want new_message", env.Event)
	}
	env := readEvent(t, doc)
	if env.Event != EventMessageSent {
		t.Fatalf("doc event = %s; want message_sent", env.Event)
	}
	var sent MessageSentPayload
	if err := json.Unmarshal(env.Data, &sent); err != nil {
		t.Fatalf("unmarshal message_sent: %v", err)
	}
	if sent.TempID != "tmp-1" || sent.Message.Content != "hello patient" {
		t.Fatalf("message_sent payload = %+v", sent)
	}

	// Peer receives the broadcast.
	env = readEvent(t, pat)
	if env.Event != EventNewMessage {
		t.Fatalf("pat event = %s; want new_message", env.Event)
	}
	var m domain.Message
	if err := json.Unmarshal(env.Data, &m); err != nil || m.Content != "hello patient" {
		t.Fatalf("new_message payload = %s err=%v", env.Data, err)
	}

	// And the message is durable.
	items, err := repo.ListMessages(f.db, f.conv.ID, 0)
	if err != nil || len(items) != 1 {
		t.Fatalf("persisted = %d err=%v; want 1", len(items), err)
	}
}

func TestServe_TypingRelayedToOthersOnly(t *testing.T) {
	f := newWSFixture(t)

	doc := f.dial(t, "doc-1", domain.RoleDoctor)
	pat := f.dial(t, "pat-1", domain.RolePatient)

	sendEvent(t, doc, EventJoinChat, JoinPayload{ConversationID: f.conv.ID})
	readEvent(t, doc) // room_joined
	sendEvent(t, pat, EventJoinChat, JoinPayload{ConversationID: f.conv.ID})
	readEvent(t, pat) // room_joined
	readEvent(t, doc) // user_joined

	sendEvent(t, doc, EventTyping, TypingPayload{ConversationID: f.conv.ID})
	env := readEvent(t, pat)
	if env.Event != EventTyping {
		t.Fatalf("pat event = %s; want typing", env.Event)
	}
	var notice TypingNotice
	if err := json.Unmarshal(env.Data, &notice); err != nil || notice.UserID != "doc-1" {
		t.Fatalf("typing payload = %s err=%v", env.Data, err)
	}

	// Typist must not hear their own relay: the next thing the doctor sees
	// should be the peer's stop_typing, not an echo.
	sendEvent(t, pat, EventStopTyping, TypingPayload{ConversationID: f.conv.ID})
	env = readEvent(t, doc)
	if env.Event != EventStopTyping {
		t.Fatalf("doc event = %s; want stop_typing", env.Event)
	}
}

func TestServe_TypingRejectedOutsideWindow(t *testing.T) {
	f := newWSFixture(t)

	// A long-expired appointment: reads and presence stay open, writes do not.
	past, err := repo.CreateConversation(context.Background(), f.db, "appt-past", "doc-1", "pat-1", time.Now().UTC().Add(-48*time.Hour))
	if err != nil {
		t.Fatalf("seed past conversation: %v", err)
	}

	doc := f.dial(t, "doc-1", domain.RoleDoctor)
	pat := f.dial(t, "pat-1", domain.RolePatient)

	sendEvent(t, doc, EventJoinChat, JoinPayload{ConversationID: past.ID})
	readEvent(t, doc) // room_joined
	sendEvent(t, pat, EventJoinChat, JoinPayload{ConversationID: past.ID})
	readEvent(t, pat) // room_joined
	readEvent(t, doc) // user_joined

	sendEvent(t, doc, EventTyping, TypingPayload{ConversationID: past.ID})
	env := readEvent(t, doc)
	if env.Event != EventError {
		t.Fatalf("doc event = %s; want error", env.Event)
	}
	var e ErrorPayload
	if err := json.Unmarshal(env.Data, &e); err != nil || e.Code != "window_closed" {
		t.Fatalf("error payload = %s err=%v", env.Data, err)
	}

	// The peer must not have received the relay: the read times out empty.
	_ = pat.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var stray Envelope
	if err := pat.ReadJSON(&stray); err == nil {
		t.Fatalf("peer received %q outside the window", stray.Event)
	}

	// stop_typing is gated the same way.
	sendEvent(t, doc, EventStopTyping, TypingPayload{ConversationID: past.ID})
	env = readEvent(t, doc)
	if env.Event != EventError {
		t.Fatalf("doc event = %s; want error", env.Event)
	}
	if err := json.Unmarshal(env.Data, &e); err != nil || e.Code != "window_closed" {
		t.Fatalf("error payload = %s err=%v", env.Data, err)
	}
}

func TestServe_SendRequiresJoin(t *testing.T) {
	f := newWSFixture(t)
	doc := f.dial(t, "doc-1", domain.RoleDoctor)

	sendEvent(t, doc, EventSendMessage, SendPayload{ConversationID: f.conv.ID, Content: "hi"})
	env := readEvent(t, doc)
	if env.Event != EventError {
		t.Fatalf("event = %s; want error", env.Event)
	}
	var e ErrorPayload
	if err := json.Unmarshal(env.Data, &e); err != nil || e.Code != "not_joined" {
		t.Fatalf("error payload = %s err=%v", env.Data, err)
	}
}

func TestServe_StrangerCannotJoin(t *testing.T) {
	f := newWSFixture(t)
	stranger := f.dial(t, "other-doc", domain.RoleDoctor)

	sendEvent(t, stranger, EventJoinChat, JoinPayload{ConversationID: f.conv.ID})
	env := readEvent(t, stranger)
	if env.Event != EventError {
		t.Fatalf("event = %s; want error", env.Event)
	}
	var e ErrorPayload
	if err := json.Unmarshal(env.Data, &e); err != nil || e.Code != "forbidden" {
		t.Fatalf("error payload = %s err=%v", env.Data, err)
	}
}

func TestServe_DisconnectNotifiesRoom(t *testing.T) {
	f := newWSFixture(t)

	doc := f.dial(t, "doc-1", domain.RoleDoctor)
	pat := f.dial(t, "pat-1", domain.RolePatient)

	sendEvent(t, doc, EventJoinChat, JoinPayload{ConversationID: f.conv.ID})
	readEvent(t, doc)
	sendEvent(t, pat, EventJoinChat, JoinPayload{ConversationID: f.conv.ID})
	readEvent(t, pat)
	readEvent(t, doc)

	_ = pat.Close()

	env := readEvent(t, doc)
	if env.Event != EventUserDisconnected {
		t.Fatalf("event = %s; want user_disconnected", env.Event)
	}
	var p PresencePayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.UserID != "pat-1" {
		t.Fatalf("payload = %s err=%v", env.Data, err)
	}
}
