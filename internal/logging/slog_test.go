package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func captureLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(requestIDHandler{slog.NewJSONHandler(buf, nil)})
}

func TestRequestIDPropagation(t *testing.T) {
	var buf bytes.Buffer
	logger := captureLogger(&buf)

	ctx := WithRequestID(context.Background(), "req-123")
	logger.InfoContext(ctx, "execution started", "code_length", 42)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("request_id = %v, want req-123", entry["request_id"])
	}
}

func TestNoRequestIDWithoutContextValue(t *testing.T) {
	var buf bytes.Buffer
	logger := captureLogger(&buf)

	logger.InfoContext(context.Background(), "no correlation")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if _, ok := entry["request_id"]; ok {
		t.Fatal("request_id must be absent when context carries none")
	}
}

func TestRequestIDFrom(t *testing.T) {
	if got := RequestIDFrom(context.Background()); got != "" {
		t.Fatalf("expected empty id, got %q", got)
	}
	ctx := WithRequestID(context.Background(), "r1")
	if got := RequestIDFrom(ctx); got != "r1" {
		t.Fatalf("expected r1, got %q", got)
	}
}
