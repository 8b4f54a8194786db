package obs

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerEmitsStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	restore := CaptureLogs(&buf)
	defer restore()

	Logger().Info().Str("request_id", "req-1").Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v", err)
	}
	for _, key := range []string{"ts", "level", "msg", "component", "request_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected key %q in %v", key, entry)
		}
	}
	if entry["component"] != component {
		t.Fatalf("unexpected component: %v", entry["component"])
	}
}

func TestRedactFields(t *testing.T) {
	in := map[string]any{
		"password":     "hunter2",
		"magic_token":  "abc",
		"portal_login": "emp.it",
		"private_key":  42,
	}
	out := RedactFields(in)
	if out["portal_login"] != "emp.it" {
		t.Fatalf("non-secret field altered: %v", out["portal_login"])
	}
	pw, _ := out["password"].(string)
	if !strings.HasPrefix(pw, "[REDACTED:sha256:") || strings.Contains(pw, "hunter2") {
		t.Fatalf("password not redacted: %q", pw)
	}
	if out["private_key"] != "[REDACTED]" {
		t.Fatalf("non-string secret not masked: %v", out["private_key"])
	}
	if in["password"] != "hunter2" {
		t.Fatal("input map must not be mutated")
	}
	if RedactValue("") != "" {
		t.Fatal("empty values stay empty")
	}
}
