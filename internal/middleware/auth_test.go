package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/R3E-Network/chatsphere/internal/app/domain/user"
	"github.com/R3E-Network/chatsphere/internal/app/services/auth"
	"github.com/R3E-Network/chatsphere/internal/errors"
	"github.com/R3E-Network/chatsphere/internal/logging"
)

type stubAuthenticator struct {
	users map[string]user.User
}

func (s *stubAuthenticator) Authenticate(_ context.Context, token string) (user.User, *auth.Claims, error) {
	switch token {
	case "orphan":
		return user.User{}, nil, errors.Unauthorized("User not found. Authorization denied.")
	}
	u, ok := s.users[token]
	if !ok {
		return user.User{}, nil, errors.InvalidToken(nil)
	}
	return u, &auth.Claims{UserID: u.ID}, nil
}

func newTestLogger() (*logging.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return logging.New(logging.Config{Level: "debug", Format: "json", Output: buf}), buf
}

func newTestAuth() *AuthMiddleware {
	logger, _ := newTestLogger()
	return NewAuthMiddleware(&stubAuthenticator{users: map[string]user.User{
		"good-token": {ID: "user-1", Name: "Alice"},
	}}, logger)
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v (%s)", err, rec.Body.String())
	}
	return body
}

func TestAuthMiddleware_Handler(t *testing.T) {
	m := newTestAuth()

	var seen user.User
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := GetUser(r.Context())
		if !ok {
			t.Error("user not in context")
		}
		if GetUserID(r.Context()) != u.ID {
			t.Error("user id not in context")
		}
		if GetClaims(r.Context()) == nil {
			t.Error("claims not in context")
		}
		seen = u
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantMsg    string
	}{
		{"missing header", "", http.StatusUnauthorized, "No token provided. Authorization denied."},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, "No token provided. Authorization denied."},
		{"invalid token", "Bearer bad", http.StatusUnauthorized, "Invalid token. Authorization denied."},
		{"unknown user", "Bearer orphan", http.StatusUnauthorized, "User not found. Authorization denied."},
		{"valid token", "Bearer good-token", http.StatusOK, ""},
		{"lowercase scheme", "bearer good-token", http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantMsg != "" {
				body := decodeEnvelope(t, rec)
				if body["success"] != false || body["message"] != tt.wantMsg {
					t.Fatalf("unexpected body %v", body)
				}
			}
		})
	}

	if seen.ID != "user-1" {
		t.Fatalf("handler saw user %+v", seen)
	}
}

func TestAuthMiddleware_QueryToken(t *testing.T) {
	base := newTestAuth()
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/api/ws?token=good-token", nil)
	rec := httptest.NewRecorder()
	base.Handler(ok).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("query token accepted without opt-in: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	base.WithQueryToken().Handler(ok).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("query token rejected: %d", rec.Code)
	}
}
