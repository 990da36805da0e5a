package ws

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/consultio/chat-backend/internal/auth"
)

// Handler upgrades authenticated HTTP requests to WebSocket sessions.
// Authentication happens before the upgrade so rejected callers get a plain
// HTTP status instead of a doomed socket.
type Handler struct {
	Hub           *Hub
	Secret        []byte
	Conversations RoomAuthorizer
	Messages      MessageAppender
	Log           zerolog.Logger

	upgrader websocket.Upgrader
}

// NewHandler wires the upgrade endpoint.
func NewHandler(hub *Hub, secret []byte, conversations RoomAuthorizer, messages MessageAppender, log zerolog.Logger) *Handler {
	return &Handler{
		Hub:           hub,
		Secret:        secret,
		Conversations: conversations,
		Messages:      messages,
		Log:           log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers cannot set Authorization on WebSocket requests from
			// every stack, so cross-origin is delegated to the CORS layer.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Serve handles GET /ws. The bearer token rides either the Authorization
// header or, for browser WebSocket clients, the token query parameter. The
// handshake must also declare the caller's role; a declaration that
// disagrees with the token's role is rejected before the upgrade.
func (h *Handler) Serve(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	claims, err := auth.Verify(h.Secret, token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	role := declaredRole(c)
	if role == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing role"})
		return
	}
	if role != claims.Role {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "role mismatch"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.Log.Warn().Err(err).Msg("ws: upgrade failed")
		return
	}

	log := h.Log.With().
		Str("user_id", claims.Subject).
		Str("role", claims.Role).
		Logger()
	s := newSession(h.Hub, conn, log, claims.Subject, claims.Role, h.Conversations, h.Messages)
	s.run(c.Request.Context())
}

func bearerToken(c *gin.Context) string {
	if v := c.GetHeader("Authorization"); v != "" {
		if tok, ok := strings.CutPrefix(v, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return strings.TrimSpace(c.Query("token"))
}

// declaredRole reads the role the client claims to connect as, from the
// X-User-Role header or the role query parameter.
func declaredRole(c *gin.Context) string {
	if v := strings.TrimSpace(c.GetHeader("X-User-Role")); v != "" {
		return v
	}
	return strings.TrimSpace(c.Query("role"))
}
