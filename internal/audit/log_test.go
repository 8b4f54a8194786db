package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"phoenixvault.io/internal/obs"
)

func TestLogEvent(t *testing.T) {
	var buf bytes.Buffer
	restore := obs.CaptureLogs(&buf)
	defer restore()

	ctx := WithRequestMeta(context.Background(), RequestMeta{RequestID: "req-123", IPAddress: "10.1.1.1", UserAgent: "curl"})
	rec := NewRecord(ctx, "user-42", ActionUpdate, "Credential", "c1", map[string]any{"password": "hunter2", "count": 3})

	LogEvent(ctx, rec)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v (%q)", err, buf.String())
	}
	if entry["type"] != "audit" || entry["action"] != "update" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["request_id"] != "req-123" || entry["actor_id"] != "user-42" || entry["ip"] != "10.1.1.1" {
		t.Fatalf("request context missing: %v", entry)
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok {
		t.Fatalf("fields missing: %v", entry)
	}
	if pw, _ := fields["password"].(string); !strings.HasPrefix(pw, "[REDACTED:sha256:") {
		t.Fatalf("password not redacted: %v", fields["password"])
	}
	if fields["count"] != float64(3) {
		t.Fatalf("unexpected count: %v", fields["count"])
	}
	if rec.Metadata["password"] != "hunter2" {
		t.Fatalf("record metadata must not be mutated")
	}
}

func TestNewRecordTruncatesUserAgent(t *testing.T) {
	ctx := WithRequestMeta(context.Background(), RequestMeta{UserAgent: strings.Repeat("a", 600)})
	rec := NewRecord(ctx, "", ActionView, "Credential", "list", nil)
	if len(rec.UserAgent) != 512 {
		t.Fatalf("expected truncated user agent, got %d", len(rec.UserAgent))
	}
	if rec.Metadata == nil {
		t.Fatalf("metadata must default to an empty object")
	}
	if !rec.Action.Valid() || Action("delete").Valid() {
		t.Fatalf("unexpected action validation")
	}
}

func TestFilterNormalize(t *testing.T) {
	if got := (Filter{Limit: 0}).Normalize().Limit; got != 100 {
		t.Fatalf("expected default limit, got %d", got)
	}
	if got := (Filter{Limit: 20}).Normalize().Limit; got != 20 {
		t.Fatalf("expected 20, got %d", got)
	}
}
