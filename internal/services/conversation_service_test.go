package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/consultio/chat-backend/internal/domain"
	"github.com/consultio/chat-backend/internal/repo"
	"github.com/consultio/chat-backend/internal/window"
)

// ----- Fake repo -----

type fakeConvRepo struct {
	// capture args
	createAppointmentID string
	createDoctorID      string
	createPatientID     string
	createScheduledAt   time.Time
	createConv          *domain.Conversation
	createErr           error

	getID   string
	getConv *domain.Conversation
	getErr  error

	findAppointmentID string
	findConv          *domain.Conversation
	findErr           error
	findCalls         int

	listUserID string
	listRole   string
	listItems  []domain.Conversation
	listErr    error

	closeID  string
	closeErr error
}

func (r *fakeConvRepo) CreateConversation(ctx context.Context, db *gorm.DB, appointmentID, doctorID, patientID string, scheduledAt time.Time) (*domain.Conversation, error) {
	r.createAppointmentID = appointmentID
	r.createDoctorID = doctorID
	r.createPatientID = patientID
	r.createScheduledAt = scheduledAt
	return r.createConv, r.createErr
}

func (r *fakeConvRepo) GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	r.getID = id
	return r.getConv, r.getErr
}

func (r *fakeConvRepo) FindConversationByAppointment(ctx context.Context, db *gorm.DB, appointmentID string) (*domain.Conversation, error) {
	r.findAppointmentID = appointmentID
	r.findCalls++
	return r.findConv, r.findErr
}

func (r *fakeConvRepo) ListConversationsForUser(ctx context.Context, db *gorm.DB, userID, role string) ([]domain.Conversation, error) {
	r.listUserID, r.listRole = userID, role
	return r.listItems, r.listErr
}

func (r *fakeConvRepo) CloseConversation(ctx context.Context, db *gorm.DB, id string) error {
	r.closeID = id
	return r.closeErr
}

func activeConv() *domain.Conversation {
	return &domain.Conversation{
		ID:            "conv-1",
		AppointmentID: "appt-1",
		DoctorID:      "doc-1",
		PatientID:     "pat-1",
		ScheduledAt:   time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC),
		Status:        domain.StatusActive,
	}
}

// ----- Tests -----

func TestNewConversationService_Defaults(t *testing.T) {
	r := &fakeConvRepo{}
	s := NewConversationService(nil, r)

	if s.Repo != r {
		t.Fatalf("repo not set")
	}
	if s.Gate != window.Default {
		t.Fatalf("Gate default = window.Default, got %+v", s.Gate)
	}
}

func TestOpen_ExistingConversationReturned(t *testing.T) {
	want := activeConv()
	r := &fakeConvRepo{findConv: want}
	s := NewConversationService(nil, r)

	date := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	got, err := s.Open(context.Background(), "appt-1", "doc-1", "pat-1", date, "14:00")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != want {
		t.Fatalf("expected existing conversation back")
	}
	if r.createAppointmentID != "" {
		t.Fatalf("create should not run when the conversation exists")
	}
}

func TestOpen_CreatesWhenMissing(t *testing.T) {
	created := activeConv()
	r := &fakeConvRepo{findErr: repo.ErrNotFound, createConv: created}
	s := NewConversationService(nil, r)

	date := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	got, err := s.Open(context.Background(), "appt-1", "doc-1", "pat-1", date, "14:00")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != created {
		t.Fatalf("expected created conversation back")
	}
	want := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	if !r.createScheduledAt.Equal(want) {
		t.Fatalf("scheduledAt = %v; want %v", r.createScheduledAt, want)
	}
}

func TestOpen_DuplicateRaceRefetches(t *testing.T) {
	winner := activeConv()
	r := &fakeConvRepo{findErr: repo.ErrNotFound, createErr: repo.ErrDuplicate}
	s := NewConversationService(nil, r)

	// After the duplicate insert the re-fetch must succeed.
	date := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	r.findConv, r.findErr = winner, nil
	// First Find must miss for the create path to run, so stage the miss via a
	// wrapper that flips after the first call.
	flip := &flippingConvRepo{fakeConvRepo: r, missFirst: true}
	s.Repo = flip

	got, err := s.Open(context.Background(), "appt-1", "doc-1", "pat-1", date, "14:00")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != winner {
		t.Fatalf("expected the race winner's row")
	}
	if r.findCalls != 2 {
		t.Fatalf("find calls = %d; want 2 (miss, then re-fetch)", r.findCalls)
	}
}

// flippingConvRepo misses the first FindConversationByAppointment and then
// delegates, modeling a concurrent opener winning the insert race.
type flippingConvRepo struct {
	*fakeConvRepo
	missFirst bool
}

func (f *flippingConvRepo) FindConversationByAppointment(ctx context.Context, db *gorm.DB, appointmentID string) (*domain.Conversation, error) {
	if f.missFirst {
		f.missFirst = false
		f.findCalls++
		return nil, repo.ErrNotFound
	}
	return f.fakeConvRepo.FindConversationByAppointment(ctx, db, appointmentID)
}

func TestOpen_BadTimeOfDay(t *testing.T) {
	s := NewConversationService(nil, &fakeConvRepo{})
	_, err := s.Open(context.Background(), "a", "d", "p", time.Now(), "25:99")
	if !errors.Is(err, window.ErrBadTimeOfDay) {
		t.Fatalf("expected ErrBadTimeOfDay, got %v", err)
	}
}

func TestGet_ParticipantChecks(t *testing.T) {
	c := activeConv()
	r := &fakeConvRepo{getConv: c}
	s := NewConversationService(nil, r)

	if _, err := s.Get(context.Background(), "doc-1", domain.RoleDoctor, c.ID); err != nil {
		t.Fatalf("doctor access: %v", err)
	}
	if _, err := s.Get(context.Background(), "pat-1", domain.RolePatient, c.ID); err != nil {
		t.Fatalf("patient access: %v", err)
	}
	if _, err := s.Get(context.Background(), "stranger", domain.RoleDoctor, c.ID); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if _, err := s.Get(context.Background(), "doc-1", "nurse", c.ID); !errors.Is(err, ErrRoleMismatch) {
		t.Fatalf("expected ErrRoleMismatch, got %v", err)
	}
}

func TestGet_NotFoundMapped(t *testing.T) {
	r := &fakeConvRepo{getErr: repo.ErrNotFound}
	s := NewConversationService(nil, r)
	if _, err := s.Get(context.Background(), "doc-1", domain.RoleDoctor, "missing"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestList_RejectsUnknownRole(t *testing.T) {
	s := NewConversationService(nil, &fakeConvRepo{})
	if _, err := s.List(context.Background(), "u1", "admin"); !errors.Is(err, ErrRoleMismatch) {
		t.Fatalf("expected ErrRoleMismatch, got %v", err)
	}
}

func TestList_PassesThrough(t *testing.T) {
	items := []domain.Conversation{*activeConv()}
	r := &fakeConvRepo{listItems: items}
	s := NewConversationService(nil, r)

	got, err := s.List(context.Background(), "doc-1", domain.RoleDoctor)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || r.listUserID != "doc-1" || r.listRole != domain.RoleDoctor {
		t.Fatalf("unexpected list call: %+v", r)
	}
}

func TestClose_HappyPath(t *testing.T) {
	c := activeConv()
	r := &fakeConvRepo{getConv: c}
	s := NewConversationService(nil, r)

	if err := s.Close(context.Background(), "doc-1", domain.RoleDoctor, c.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if r.closeID != c.ID {
		t.Fatalf("close id = %q; want %q", r.closeID, c.ID)
	}
}

func TestClose_AlreadyClosed(t *testing.T) {
	c := activeConv()
	c.Status = domain.StatusClosed
	r := &fakeConvRepo{getConv: c}
	s := NewConversationService(nil, r)

	if err := s.Close(context.Background(), "doc-1", domain.RoleDoctor, c.ID); !errors.Is(err, ErrConversationClosed) {
		t.Fatalf("expected ErrConversationClosed, got %v", err)
	}
	if r.closeID != "" {
		t.Fatalf("close should not hit the repo for a closed conversation")
	}
}

func TestWindow_VerdictForParticipant(t *testing.T) {
	c := activeConv()
	r := &fakeConvRepo{getConv: c}
	s := NewConversationService(nil, r)

	now := c.ScheduledAt.Add(10 * time.Minute)
	v, err := s.Window(context.Background(), "pat-1", domain.RolePatient, c.ID, now)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if !v.Writable || v.Phase != window.PhaseOpen {
		t.Fatalf("verdict = %+v; want open", v)
	}

	v, err = s.Window(context.Background(), "pat-1", domain.RolePatient, c.ID, c.ScheduledAt.Add(31*time.Minute))
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if v.Writable || v.Phase != window.PhaseAfter {
		t.Fatalf("verdict = %+v; want after", v)
	}
}
