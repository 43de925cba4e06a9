// Package middleware provides HTTP middleware for the chat API
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/R3E-Network/chatsphere/internal/app/domain/user"
	"github.com/R3E-Network/chatsphere/internal/app/services/auth"
	"github.com/R3E-Network/chatsphere/internal/errors"
	internalhttputil "github.com/R3E-Network/chatsphere/internal/httputil"
	"github.com/R3E-Network/chatsphere/internal/logging"
)

type contextKey string

const (
	userKey   contextKey = "user"
	claimsKey contextKey = "claims"
)

// Authenticator resolves a bearer token to a user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (user.User, *auth.Claims, error)
}

// AuthMiddleware requires a valid bearer token and loads the caller into the request context.
type AuthMiddleware struct {
	auth       Authenticator
	logger     *logging.Logger
	allowQuery bool
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(a Authenticator, logger *logging.Logger) *AuthMiddleware {
	if logger == nil {
		logger = logging.NewDefault("auth-middleware")
	}
	return &AuthMiddleware{auth: a, logger: logger}
}

// WithQueryToken returns a copy that also accepts the token in the "token"
// query parameter. Browsers cannot set headers on websocket handshakes.
func (m *AuthMiddleware) WithQueryToken() *AuthMiddleware {
	cp := *m
	cp.allowQuery = true
	return &cp
}

// Handler returns the middleware handler
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" && m.allowQuery {
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if token == "" {
			m.respondError(w, r, errors.Unauthorized("No token provided. Authorization denied."))
			return
		}

		u, claims, err := m.auth.Authenticate(r.Context(), token)
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		ctx := logging.WithUserID(r.Context(), u.ID)
		ctx = context.WithValue(ctx, userKey, u)
		ctx = context.WithValue(ctx, claimsKey, claims)

		m.logger.WithContext(ctx).Debug("Authentication successful")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// respondError sends an error response
func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := errors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = errors.Internal("Authentication failed", err)
	}

	internalhttputil.WriteError(w, serviceErr)

	m.logger.LogSecurityEvent(r.Context(), "authentication_failed", map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"status": serviceErr.HTTPStatus,
		"reason": serviceErr.Message,
	})
}

// GetUser returns the authenticated user.
func GetUser(ctx context.Context) (user.User, bool) {
	u, ok := ctx.Value(userKey).(user.User)
	return u, ok
}

// GetClaims returns the claims of the presented token.
func GetClaims(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsKey).(*auth.Claims)
	return c
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) string {
	return logging.GetUserID(ctx)
}
