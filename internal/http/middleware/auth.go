// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements bearer-token authentication. Tokens are minted by the
// auth package (HMAC-signed claims carrying the participant id and role) and
// presented in the Authorization header. On success the participant identity
// is stashed in the Gin context for handlers and downstream middleware.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/consultio/chat-backend/internal/auth"
)

// Context keys for the authenticated principal. Handlers read these via
// c.Get("userID") / c.Get("role").
const (
	ctxKeyUserID = "userID"
	ctxKeyRole   = "role"
)

// AuthOptions configures Auth.
type AuthOptions struct {
	// Secret is the HMAC key used to verify tokens. Required.
	Secret string
	// Optional allows unauthenticated requests through without setting a
	// principal; handlers then fall back to their own identity resolution.
	// Intended for development setups.
	Optional bool
}

// Auth returns a middleware that verifies the Authorization bearer token and
// stores the participant id and role in the request context.
//
// Behavior:
//   - Missing header: 401 unless Optional, in which case the request proceeds
//     without a principal.
//   - Malformed or expired token: always 401, even when Optional (a client
//     that presents a token must present a valid one).
func Auth(opts AuthOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			if opts.Optional {
				c.Next()
				return
			}
			unauthorized(c, "missing bearer token")
			return
		}

		claims, err := auth.Verify([]byte(opts.Secret), raw)
		if err != nil {
			unauthorized(c, "invalid or expired token")
			return
		}

		c.Set(ctxKeyUserID, claims.Subject)
		c.Set(ctxKeyRole, claims.Role)
		c.Next()
	}
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(tok)
	}
	return ""
}

// unauthorized responds with the same envelope shape the handlers package
// uses, without importing it (handlers already depends on middleware).
func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"request_id": c.Writer.Header().Get("X-Request-ID"),
		"code":       "unauthorized",
		"message":    msg,
	})
}
