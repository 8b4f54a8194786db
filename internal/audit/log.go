package audit

import (
	"context"
	"strings"

	"phoenixvault.io/internal/obs"
)

// LogEvent mirrors a committed audit record to the structured log. Metadata
// keys that look like secrets are redacted.
func LogEvent(ctx context.Context, rec Record) {
	meta := MetaFromContext(ctx)
	ev := obs.Logger().Info().
		Str("type", "audit").
		Str("action", string(rec.Action)).
		Str("object_type", rec.ObjectType).
		Str("object_id", rec.ObjectID)
	if meta.RequestID != "" {
		ev = ev.Str("request_id", meta.RequestID)
	}
	if rec.ActorID != "" {
		ev = ev.Str("actor_id", rec.ActorID)
	}
	if rec.IPAddress != "" {
		ev = ev.Str("ip", rec.IPAddress)
	}
	fields := rec.Metadata
	if fields == nil {
		fields = map[string]any{}
	}
	ev.Interface("fields", obs.RedactFields(fields)).Msg("audit")
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
