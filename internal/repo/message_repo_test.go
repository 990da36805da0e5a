package repo

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/consultio/chat-backend/internal/domain"
)

// test DB helper
func newMsgRepoDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("msg_repo_%d.db", time.Now().UnixNano()))
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
	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func seedConversation(t *testing.T, db *gorm.DB, id string) {
	t.Helper()
	conv := &domain.Conversation{
		ID: id, AppointmentID: "appt-" + id, DoctorID: "d1", PatientID: "p1",
		ScheduledAt: time.Now().UTC(), Status: domain.StatusActive,
	}
	if err := db.Create(conv).Error; err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
}

func TestCreateMessage_InsertsAndAssignsIdentity(t *testing.T) {
	db := newMsgRepoDB(t, &domain.Conversation{}, &domain.Message{})
	seedConversation(t, db, "c1")

	msg, err := CreateMessage(db, "c1", "p1", domain.RolePatient, "hello")
	if err != nil {
		t.Fatalf("CreateMessage error: %v", err)
	}
	if msg.ID == "" || msg.ConversationID != "c1" || msg.SenderRole != domain.RolePatient || msg.Content != "hello" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.IsRead {
		t.Fatalf("new message must start unread: %+v", msg)
	}
	if msg.CreatedAt.IsZero() || time.Since(msg.CreatedAt) > time.Minute {
		t.Fatalf("CreatedAt not set reasonably: %v", msg.CreatedAt)
	}

	// read it back
	got, err := GetMessage(db, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.ID != msg.ID {
		t.Fatalf("roundtrip mismatch: %+v vs %+v", got, msg)
	}
}

func TestListMessages_OrderAndLimit(t *testing.T) {
	db := newMsgRepoDB(t, &domain.Message{})

	// craft deterministic ordering:
	// same CreatedAt for first two; ID "a" should come before "b"
	t0 := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(1 * time.Second)

	mA := domain.Message{ID: "a", ConversationID: "c2", SenderID: "p1", SenderRole: domain.RolePatient, Content: "x", CreatedAt: t0}
	mB := domain.Message{ID: "b", ConversationID: "c2", SenderID: "p1", SenderRole: domain.RolePatient, Content: "y", CreatedAt: t0}
	mZ := domain.Message{ID: "z", ConversationID: "c2", SenderID: "d1", SenderRole: domain.RoleDoctor, Content: "z", CreatedAt: t1}
	if err := db.Create(&mB).Error; err != nil { // insert out of order on purpose
		t.Fatalf("seed mB: %v", err)
	}
	if err := db.Create(&mA).Error; err != nil {
		t.Fatalf("seed mA: %v", err)
	}
	if err := db.Create(&mZ).Error; err != nil {
		t.Fatalf("seed mZ: %v", err)
	}

	// limit <= 0 → all
	all, err := ListMessages(db, "c2", 0)
	if err != nil {
		t.Fatalf("ListMessages(all) error: %v", err)
	}
	if len(all) != 3 || all[0].ID != "a" || all[1].ID != "b" || all[2].ID != "z" {
		t.Fatalf("unexpected order/all: %+v", all)
	}

	// limit > 0
	top2, err := ListMessages(db, "c2", 2)
	if err != nil {
		t.Fatalf("ListMessages(limit) error: %v", err)
	}
	if len(top2) != 2 || top2[0].ID != "a" || top2[1].ID != "b" {
		t.Fatalf("unexpected order/limit: %+v", top2)
	}
}

func TestListMessagesSince_StrictlyGreater(t *testing.T) {
	db := newMsgRepoDB(t, &domain.Message{})

	t0 := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"m0", "m1", "m2"} {
		m := domain.Message{
			ID: id, ConversationID: "c3", SenderID: "p1", SenderRole: domain.RolePatient,
			Content: id, CreatedAt: t0.Add(time.Duration(i) * time.Second),
		}
		if err := db.Create(&m).Error; err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	// Zero since → full log.
	all, err := ListMessagesSince(db, "c3", time.Time{})
	if err != nil {
		t.Fatalf("ListMessagesSince(zero): %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(all))
	}

	// since == t0 must exclude the t0 message (strictly greater).
	tail, err := ListMessagesSince(db, "c3", t0)
	if err != nil {
		t.Fatalf("ListMessagesSince(t0): %v", err)
	}
	if len(tail) != 2 || tail[0].ID != "m1" || tail[1].ID != "m2" {
		t.Fatalf("unexpected tail: %+v", tail)
	}

	// since beyond the newest → empty.
	none, err := ListMessagesSince(db, "c3", t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("ListMessagesSince(future): %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no messages, got %+v", none)
	}
}

func TestMarkMessagesRead_OnlyPeerMessages(t *testing.T) {
	db := newMsgRepoDB(t, &domain.Message{})

	t0 := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	seed := []domain.Message{
		{ID: "m1", ConversationID: "c4", SenderID: "p1", SenderRole: domain.RolePatient, Content: "a", CreatedAt: t0},
		{ID: "m2", ConversationID: "c4", SenderID: "d1", SenderRole: domain.RoleDoctor, Content: "b", CreatedAt: t0.Add(time.Second)},
		{ID: "m3", ConversationID: "c4", SenderID: "p1", SenderRole: domain.RolePatient, Content: "c", CreatedAt: t0.Add(2 * time.Second)},
	}
	for i := range seed {
		if err := db.Create(&seed[i]).Error; err != nil {
			t.Fatalf("seed %s: %v", seed[i].ID, err)
		}
	}

	// Doctor reads: both patient messages flip, the doctor's own does not.
	n, err := MarkMessagesRead(db, "c4", domain.RoleDoctor)
	if err != nil {
		t.Fatalf("MarkMessagesRead: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows updated, got %d", n)
	}

	var own domain.Message
	if err := db.First(&own, "id = ?", "m2").Error; err != nil {
		t.Fatalf("readback m2: %v", err)
	}
	if own.IsRead {
		t.Fatalf("reader's own message must stay unread")
	}

	// Idempotent: second call flips nothing.
	n, err = MarkMessagesRead(db, "c4", domain.RoleDoctor)
	if err != nil {
		t.Fatalf("MarkMessagesRead again: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 rows on repeat, got %d", n)
	}
}

func TestCountMessages_Error_NoTable(t *testing.T) {
	db := newMsgRepoDB(t /* no migration for Message */)
	if _, err := CountMessages(db, "cx"); err == nil {
		t.Fatalf("expected error due to missing messages table")
	}
}

func TestListMessagesPage(t *testing.T) {
	db := newMsgRepoDB(t, &domain.Message{})

	t0 := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		m := domain.Message{
			ID: fmt.Sprintf("m%d", i), ConversationID: "c5", SenderID: "p1",
			SenderRole: domain.RolePatient, Content: "x", CreatedAt: t0.Add(time.Duration(i) * time.Second),
		}
		if err := db.Create(&m).Error; err != nil {
			t.Fatalf("seed m%d: %v", i, err)
		}
	}

	page, err := ListMessagesPage(db, "c5", 2, 2)
	if err != nil {
		t.Fatalf("ListMessagesPage: %v", err)
	}
	if len(page) != 2 || page[0].ID != "m2" || page[1].ID != "m3" {
		t.Fatalf("unexpected page: %+v", page)
	}
}
