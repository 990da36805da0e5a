// Conversation HTTP handlers.
//
// This file exposes REST endpoints for conversation resources:
//   - POST /conversations               (open, idempotent per appointment)
//   - GET  /conversations               (list for the current participant, ETag support)
//   - GET  /conversations/{id}          (fetch one)
//   - GET  /conversations/{id}/window   (access window verdict)
//   - PUT  /conversations/{id}/close    (close)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses (including conditional responses).
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/consultio/chat-backend/internal/domain"
	"github.com/consultio/chat-backend/internal/repo"
	"github.com/consultio/chat-backend/internal/services"
	"github.com/consultio/chat-backend/internal/window"
)

//
// Service contracts (context-aware)
//

// ConversationService defines conversation lifecycle operations consumed by
// HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type ConversationService interface {
	// Open returns the conversation bound to appointmentID, creating it if
	// this is the first open. Repeated opens return the same conversation.
	Open(ctx context.Context, appointmentID, doctorID, patientID string, scheduledDate time.Time, scheduledTime string) (*domain.Conversation, error)
	// Get fetches a conversation the caller participates in.
	Get(ctx context.Context, userID, role, id string) (*domain.Conversation, error)
	// List returns all conversations the caller participates in, newest
	// activity first.
	List(ctx context.Context, userID, role string) ([]domain.Conversation, error)
	// Close transitions a conversation to the closed status.
	Close(ctx context.Context, userID, role, id string) error
	// Window evaluates the appointment access window at now.
	Window(ctx context.Context, userID, role, id string, now time.Time) (window.Verdict, error)
}

// MessageService defines message append, retrieval, and read-receipt
// operations.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type MessageService interface {
	// Append persists a message inside the appointment access window.
	Append(ctx context.Context, userID, role, conversationID, content string) (*domain.Message, error)
	// List returns the full ordered log and marks peer messages read.
	List(ctx context.Context, userID, role, conversationID string) ([]domain.Message, error)
	// ListSince returns messages created strictly after since.
	ListSince(ctx context.Context, userID, role, conversationID string, since time.Time) ([]domain.Message, error)
	// ListPage returns a page of messages and the total count.
	ListPage(ctx context.Context, userID, role, conversationID string, page, pageSize int) ([]domain.Message, int64, error)
	// MarkRead flags every unread peer message as read.
	MarkRead(ctx context.Context, userID, role, conversationID string) (int64, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for conversations and messages. It depends on
// abstract service interfaces to keep transport concerns separate from
// business logic.
type Handlers struct {
	convSvc ConversationService
	msgSvc  MessageService
}

// New constructs and returns a Handlers instance bound to the given services.
func New(convSvc ConversationService, msgSvc MessageService) *Handlers {
	return &Handlers{convSvc: convSvc, msgSvc: msgSvc}
}

// principal extracts the authenticated user id and role from Gin context (set
// by upstream auth middleware). If absent, it falls back to the "X-User-ID"
// and "X-User-Role" headers (tests use them). It never touches c.Request if
// it's nil.
func principal(c *gin.Context) (userID, role string) {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			userID = s
		}
	}
	if v, ok := c.Get("role"); ok {
		if s, ok := v.(string); ok && s != "" {
			role = s
		}
	}
	if c != nil && c.Request != nil {
		if userID == "" {
			userID = strings.TrimSpace(c.GetHeader("X-User-ID"))
		}
		if role == "" {
			role = strings.TrimSpace(c.GetHeader("X-User-Role"))
		}
	}
	return userID, role
}

//
// DTOs
//

// OpenConversationRequest is the JSON payload for opening a conversation.
type OpenConversationRequest struct {
	// AppointmentID identifies the appointment; at most one conversation can
	// ever exist for it.
	AppointmentID string `json:"appointment_id" binding:"required" example:"appt-2041"`
	// DoctorID is the treating doctor.
	DoctorID string `json:"doctor_id" binding:"required" example:"doc-77"`
	// PatientID is the patient.
	PatientID string `json:"patient_id" binding:"required" example:"pat-19"`
	// ScheduledDate is the appointment calendar date (YYYY-MM-DD).
	ScheduledDate string `json:"scheduled_date" binding:"required" example:"2025-03-10"`
	// ScheduledTime is the appointment wall-clock time (HH:MM, 24h).
	ScheduledTime string `json:"scheduled_time" binding:"required" example:"14:30"`
}

// ListConversationsResponse wraps the caller's conversations.
type ListConversationsResponse struct {
	Conversations []domain.Conversation `json:"conversations"`
}

//
// Helpers
//

// requirePrincipal resolves the caller identity or aborts with 401. The role
// must be one of the two participant roles.
func requirePrincipal(c *gin.Context) (userID, role string, authed bool) {
	userID, role = principal(c)
	if userID == "" || !domain.ValidRole(role) {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return "", "", false
	}
	return userID, role, true
}

// conversationIDParam validates the :id path parameter shape.
func conversationIDParam(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation id must be a UUID")
		return "", false
	}
	return id, true
}

// failConversation maps service-layer sentinel errors onto HTTP responses.
// Unknown errors fall through to a 500 with the provided code.
func failConversation(c *gin.Context, err error, internalCode string) {
	switch {
	case errors.Is(err, services.ErrConversationNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
	case errors.Is(err, services.ErrNotParticipant), errors.Is(err, services.ErrRoleMismatch):
		fail(c, http.StatusForbidden, ErrCodeForbidden, "not a participant of this conversation")
	case errors.Is(err, services.ErrConversationClosed):
		fail(c, http.StatusConflict, ErrCodeConversationClosed, "conversation is closed")
	case errors.Is(err, services.ErrWindowClosed):
		fail(c, http.StatusForbidden, ErrCodeWindowClosed, "appointment window is closed")
	default:
		fail(c, http.StatusInternalServerError, internalCode, err.Error())
	}
}

//
// Handlers
//

// OpenConversation godoc
// @ID          openConversation
// @Summary     Open the conversation for an appointment
// @Description Returns the conversation bound to the appointment, creating it on first open.
// @Description Opening is idempotent: every open for the same appointment returns the same conversation.
// @Tags        Conversations
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID    header  string  false "User ID (demo header)"   example(doc-77)
// @Param       X-User-Role  header  string  false "Participant role"        example(doctor)
// @Param       body         body    handlers.OpenConversationRequest  true  "Open conversation payload"
//
// @Success     201  {object}  domain.Conversation
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /conversations [post]
func (h *Handlers) OpenConversation(c *gin.Context) {
	if _, _, authed := requirePrincipal(c); !authed {
		return
	}

	var req OpenConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	date, err := time.ParseInLocation("2006-01-02", req.ScheduledDate, time.UTC)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "scheduled_date must be YYYY-MM-DD")
		return
	}

	conv, err := h.convSvc.Open(c.Request.Context(),
		strings.TrimSpace(req.AppointmentID),
		strings.TrimSpace(req.DoctorID),
		strings.TrimSpace(req.PatientID),
		date, strings.TrimSpace(req.ScheduledTime))
	if err != nil {
		if errors.Is(err, window.ErrBadTimeOfDay) {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "scheduled_time must be HH:MM")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		return
	}
	ok(c, http.StatusCreated, conv)
}

// ListConversations godoc
// @ID          listConversations
// @Summary     List the caller's conversations
// @Description Returns every conversation the authenticated participant belongs to, newest activity first.
// @Description Supports weak ETag via If-None-Match and may return 304.
// @Tags        Conversations
// @Produce     json
//
// @Param       X-User-ID      header  string  false "User ID (demo header)"       example(doc-77)
// @Param       X-User-Role    header  string  false "Participant role"            example(doctor)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"abc123\")
//
// @Success     200  {object} handlers.ListConversationsResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     401  {object} handlers.ErrorResponse "Unauthorized"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /conversations [get]
func (h *Handlers) ListConversations(c *gin.Context) {
	ctx := c.Request.Context()
	uid, role, authed := requirePrincipal(c)
	if !authed {
		return
	}

	// ETag pre-check (best effort).
	if db := h.convDB(); db != nil {
		count, maxTS, err := repo.ConversationsStats(ctx, db, uid, role)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"conversations:%s:%d:%d"`, uid, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, err := h.convSvc.List(ctx, uid, role)
	if err != nil {
		failConversation(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, ListConversationsResponse{Conversations: items})
}

// GetConversation godoc
// @ID          getConversation
// @Summary     Fetch one conversation
// @Description Returns a conversation the authenticated participant belongs to.
// @Tags        Conversations
// @Produce     json
//
// @Param       X-User-ID    header  string  false "User ID (demo header)"  example(doc-77)
// @Param       X-User-Role  header  string  false "Participant role"       example(doctor)
// @Param       id           path    string  true  "Conversation ID (UUID)" format(uuid)
//
// @Success     200  {object} domain.Conversation
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     401  {object} handlers.ErrorResponse "Unauthorized"
// @Failure     403  {object} handlers.ErrorResponse "Not a participant"
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found"
// @Router      /conversations/{id} [get]
func (h *Handlers) GetConversation(c *gin.Context) {
	uid, role, authed := requirePrincipal(c)
	if !authed {
		return
	}
	id, okID := conversationIDParam(c)
	if !okID {
		return
	}

	conv, err := h.convSvc.Get(c.Request.Context(), uid, role, id)
	if err != nil {
		failConversation(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, conv)
}

// GetWindow godoc
// @ID          getConversationWindow
// @Summary     Evaluate the appointment access window
// @Description Reports whether the conversation currently accepts writes, with the window phase and bounds.
// @Tags        Conversations
// @Produce     json
//
// @Param       X-User-ID    header  string  false "User ID (demo header)"  example(pat-19)
// @Param       X-User-Role  header  string  false "Participant role"       example(patient)
// @Param       id           path    string  true  "Conversation ID (UUID)" format(uuid)
//
// @Success     200  {object} window.Verdict
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     401  {object} handlers.ErrorResponse "Unauthorized"
// @Failure     403  {object} handlers.ErrorResponse "Not a participant"
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found"
// @Router      /conversations/{id}/window [get]
func (h *Handlers) GetWindow(c *gin.Context) {
	uid, role, authed := requirePrincipal(c)
	if !authed {
		return
	}
	id, okID := conversationIDParam(c)
	if !okID {
		return
	}

	verdict, err := h.convSvc.Window(c.Request.Context(), uid, role, id, time.Now().UTC())
	if err != nil {
		failConversation(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, verdict)
}

// CloseConversation godoc
// @ID          closeConversation
// @Summary     Close a conversation
// @Description Transitions the conversation to the closed status. Closed conversations reject all writes
// @Description but remain readable forever.
// @Tags        Conversations
// @Produce     json
//
// @Param       X-User-ID    header  string  false "User ID (demo header)"  example(doc-77)
// @Param       X-User-Role  header  string  false "Participant role"       example(doctor)
// @Param       id           path    string  true  "Conversation ID (UUID)" format(uuid)
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     401  {object} handlers.ErrorResponse "Unauthorized"
// @Failure     403  {object} handlers.ErrorResponse "Not a participant"
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found"
// @Failure     409  {object} handlers.ErrorResponse "Already closed"
// @Router      /conversations/{id}/close [put]
func (h *Handlers) CloseConversation(c *gin.Context) {
	uid, role, authed := requirePrincipal(c)
	if !authed {
		return
	}
	id, okID := conversationIDParam(c)
	if !okID {
		return
	}

	if err := h.convSvc.Close(c.Request.Context(), uid, role, id); err != nil {
		failConversation(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}

// convDB exposes the underlying gorm handle when the concrete service is in
// use; ETag pre-checks are skipped otherwise.
func (h *Handlers) convDB() *gorm.DB {
	if svc, ok := h.convSvc.(*services.ConversationService); ok {
		return svc.DB
	}
	return nil
}
