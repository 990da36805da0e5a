// Message HTTP handlers.
//
// This file exposes REST endpoints for conversation messages:
//   - POST /conversations/{id}/messages  (append a message inside the access window)
//   - GET  /conversations/{id}/messages  (list messages: full log, delta, or a page)
//   - PUT  /conversations/{id}/read      (mark peer messages as read)
//
// Handlers are transport-thin:
//   - validate & normalize inputs (including newline and length constraints)
//   - delegate to application services (MessageService)
//   - implement conditional responses (ETag) and idempotency semantics
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a previous successful
// result exists for (user, conversation, key), the handler returns that
// recorded message and sets `Idempotency-Replayed: true`. This is the HTTP
// fallback path for clients retrying a send after a dropped socket; the same
// key always resolves to the same stored message.
package handlers

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/consultio/chat-backend/internal/domain"
	"github.com/consultio/chat-backend/internal/repo"
	"github.com/consultio/chat-backend/internal/services"
	"github.com/consultio/chat-backend/internal/utils"
)

//
// DTOs
//

// PostMessageRequest is the JSON payload for sending a message.
//
// Content is normalized by the handler (line endings and excessive blank
// lines) before being passed to the service layer. The service also enforces
// a maximum rune count, which can be configured in MessageService.
type PostMessageRequest struct {
	// Content is the message body. It must be non-empty after trimming.
	Content string `json:"content" binding:"required,min=1" example:"The lab results came back normal."`
}

// PostMessageResponse is the JSON envelope for a newly created message.
type PostMessageResponse struct {
	// Message is the persisted message with its server-assigned ID and timestamp.
	Message *domain.Message `json:"message"`
}

// ListMessagesResponse contains messages and, for paginated requests,
// pagination metadata.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination *Pagination      `json:"pagination,omitempty"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// MarkReadResponse reports how many messages a read-receipt request flagged.
type MarkReadResponse struct {
	Updated int64 `json:"updated"`
}

//
// Helpers
//

// clampPagination parses page/page_size from query parameters, applies sane
// defaults and caps, and returns the validated (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 50
		maxPageSize     = 200
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes user text for consistent downstream behavior:
//   - converts CRLF/CR to LF,
//   - collapses runs of 3+ LFs to exactly two (paragraph separation),
//   - trims surrounding whitespace.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// discoverMaxContentRunes inspects the concrete MessageService for a
// configured content-length limit. If unavailable, it returns a conservative
// fallback.
func discoverMaxContentRunes(msgSvc MessageService) int {
	const fallback = 4000
	if ms, ok := msgSvc.(*services.MessageService); ok {
		if ms.MaxContentRunes > 0 {
			return ms.MaxContentRunes
		}
	}
	return fallback
}

// msgDB exposes the underlying gorm handle when the concrete service is in
// use; ETag pre-checks and idempotency storage are skipped otherwise.
func (h *Handlers) msgDB() *gorm.DB {
	if svc, ok := h.msgSvc.(*services.MessageService); ok {
		return svc.DB
	}
	return nil
}

//
// Handlers
//

// PostMessage godoc
// @ID          postMessage
// @Summary     Send a message
// @Description Appends a message to the conversation. Writes are only accepted while the appointment
// @Description access window is open and the conversation is active.
// @Description Supports idempotency via the Idempotency-Key header (same key → same result), which is
// @Description the retry path for clients that lost their socket before the confirmation arrived.
// @Tags        Messages
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  false "User ID (demo header)"  example(pat-19)
// @Param       X-User-Role      header  string  false "Participant role"       example(patient)
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries (UUID recommended)"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       id               path    string  true  "Conversation ID (UUID)" format(uuid)
// @Param       body             body    handlers.PostMessageRequest  true  "Message payload"
//
// @Success     200  {object}  handlers.PostMessageResponse  "Persisted message"
// @Failure     400  {object}  handlers.ErrorResponse        "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse        "Unauthorized"
// @Failure     403  {object}  handlers.ErrorResponse        "Not a participant or window closed"
// @Failure     404  {object}  handlers.ErrorResponse        "Conversation not found"
// @Failure     409  {object}  handlers.ErrorResponse        "Conversation closed"
// @Failure     500  {object}  handlers.ErrorResponse        "Internal error"
// @Router      /conversations/{id}/messages [post]
func (h *Handlers) PostMessage(c *gin.Context) {
	ctx := c.Request.Context()
	uid, role, authed := requirePrincipal(c)
	if !authed {
		return
	}
	conversationID, okID := conversationIDParam(c)
	if !okID {
		return
	}

	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	// Sanitize + early size cap to fail fast at the edge.
	content := sanitizeContent(req.Content)
	maxRunes := discoverMaxContentRunes(h.msgSvc)
	if maxRunes > 0 && utf8.RuneCountInString(content) > maxRunes {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("content too long: max %d runes", maxRunes))
		return
	}
	if content == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	// Idempotency (replay path) – read validated key if present.
	idemKey, _ := middlewareGetIdempotencyKey(c)
	if idemKey != "" {
		if db := h.msgDB(); db != nil {
			if rec, err := repo.GetIdempotency(ctx, db, uid, conversationID, idemKey, time.Now().UTC()); err == nil && rec != nil {
				if prev, err2 := repo.GetMessage(db, rec.MessageID); err2 == nil {
					c.Header("Idempotency-Replayed", "true")
					ok(c, http.StatusOK, PostMessageResponse{Message: prev})
					return
				}
			}
		}
	}

	// Normal processing (service has a second guard for length).
	m, err := h.msgSvc.Append(ctx, uid, role, conversationID, content)
	if err != nil {
		switch err {
		case services.ErrEmptyContent:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		case services.ErrTooLong:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("content too long: max %d runes", maxRunes))
		default:
			failConversation(c, err, ErrCodeSendFailed)
		}
		return
	}

	// Idempotency (store path) – best effort.
	if idemKey != "" {
		if db := h.msgDB(); db != nil {
			ttl := 24 * time.Hour
			_, _ = repo.CreateIdempotency(ctx, db, uid, conversationID, idemKey, m.ID, http.StatusOK, ttl)
		}
	}

	ok(c, http.StatusOK, PostMessageResponse{Message: m})
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List messages in a conversation
// @Description Without query parameters, returns the full ordered log and marks the peer's messages
// @Description as read. With ?since=RFC3339, returns only messages created strictly after that instant
// @Description (no read receipts) — the delta pull used by reconnecting clients. With ?page/?page_size,
// @Description returns a page plus pagination metadata.
// @Tags        Messages
// @Produce     json
//
// @Param       X-User-ID    header  string  false "User ID (demo header)"  example(doc-77)
// @Param       X-User-Role  header  string  false "Participant role"       example(doctor)
// @Param       id           path   string  true  "Conversation ID (UUID)"  format(uuid)
// @Param       since        query  string  false "Only messages created after this RFC3339 instant"
// @Param       page         query  int     false "Page number"             minimum(1) default(1)
// @Param       page_size    query  int     false "Items per page"          minimum(1) maximum(200) default(50)
//
// @Success     200  {object} handlers.ListMessagesResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     401  {object} handlers.ErrorResponse "Unauthorized"
// @Failure     403  {object} handlers.ErrorResponse "Not a participant"
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /conversations/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	uid, role, authed := requirePrincipal(c)
	if !authed {
		return
	}
	conversationID, okID := conversationIDParam(c)
	if !okID {
		return
	}

	// ETag pre-check (best effort).
	if db := h.msgDB(); db != nil {
		count, maxTS, err := repo.MessagesStats(ctx, db, conversationID)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"messages:%s:%d:%d"`, conversationID, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	// Delta pull: messages strictly after the client's last confirmed instant.
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "since must be RFC3339")
			return
		}
		items, err := h.msgSvc.ListSince(ctx, uid, role, conversationID, since)
		if err != nil {
			failConversation(c, err, ErrCodeListFailed)
			return
		}
		ok(c, http.StatusOK, ListMessagesResponse{Messages: items})
		return
	}

	// Explicit pagination.
	if c.Query("page") != "" || c.Query("page_size") != "" {
		page, pageSize := clampPagination(c)
		items, total, err := h.msgSvc.ListPage(ctx, uid, role, conversationID, page, pageSize)
		if err != nil {
			failConversation(c, err, ErrCodeListFailed)
			return
		}
		totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
		ok(c, http.StatusOK, ListMessagesResponse{
			Messages: items,
			Pagination: &Pagination{
				Page:       page,
				PageSize:   pageSize,
				Total:      total,
				TotalPages: totalPages,
				HasNext:    page < totalPages,
			},
		})
		return
	}

	// Full fetch: the caller has now seen everything the peer wrote.
	items, err := h.msgSvc.List(ctx, uid, role, conversationID)
	if err != nil {
		failConversation(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, ListMessagesResponse{Messages: items})
}

// MarkRead godoc
// @ID          markMessagesRead
// @Summary     Mark peer messages as read
// @Description Flags every unread message authored by the peer as read and reports how many rows changed.
// @Tags        Messages
// @Produce     json
//
// @Param       X-User-ID    header  string  false "User ID (demo header)"  example(pat-19)
// @Param       X-User-Role  header  string  false "Participant role"       example(patient)
// @Param       id           path    string  true  "Conversation ID (UUID)" format(uuid)
//
// @Success     200  {object} handlers.MarkReadResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     401  {object} handlers.ErrorResponse "Unauthorized"
// @Failure     403  {object} handlers.ErrorResponse "Not a participant"
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found"
// @Router      /conversations/{id}/read [put]
func (h *Handlers) MarkRead(c *gin.Context) {
	uid, role, authed := requirePrincipal(c)
	if !authed {
		return
	}
	conversationID, okID := conversationIDParam(c)
	if !okID {
		return
	}

	n, err := h.msgSvc.MarkRead(c.Request.Context(), uid, role, conversationID)
	if err != nil {
		failConversation(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, MarkReadResponse{Updated: n})
}

// middlewareGetIdempotencyKey extracts an idempotency key if an upstream
// middleware has already validated/stashed it. The fallback behavior reads
// the "Idempotency-Key" header directly when no dedicated middleware exists.
func middlewareGetIdempotencyKey(c *gin.Context) (string, bool) {
	if v := strings.TrimSpace(c.GetHeader("Idempotency-Key")); v != "" {
		return v, true
	}
	return "", false
}
