package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"
)

func TestLogRequestIncludesContextFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf}).Named("http")

	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithUserID(ctx, "user-1")
	log.LogRequest(ctx, http.MethodGet, "/api/contacts", http.StatusOK, 15*time.Millisecond)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v (%s)", err, buf.String())
	}
	if entry["trace_id"] != "trace-1" || entry["user_id"] != "user-1" {
		t.Fatalf("expected trace and user ids, got %v", entry)
	}
	if entry["component"] != "http" {
		t.Fatalf("expected component field, got %v", entry["component"])
	}
	if entry["level"] != "info" {
		t.Fatalf("expected info level for 200, got %v", entry["level"])
	}
}

func TestLogRequestLevelFollowsStatus(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf})

	log.LogRequest(context.Background(), http.MethodPost, "/api/auth/login", http.StatusUnauthorized, time.Millisecond)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["level"] != "warning" {
		t.Fatalf("expected warning level, got %v", entry["level"])
	}
}

func TestContextHelpersEmpty(t *testing.T) {
	ctx := WithTraceID(context.Background(), "")
	if GetTraceID(ctx) != "" || GetUserID(ctx) != "" {
		t.Fatal("expected empty ids on bare context")
	}
	if NewTraceID() == NewTraceID() {
		t.Fatal("trace ids should be unique")
	}
}
