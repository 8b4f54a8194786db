package audit

import (
	"context"
	"strings"
	"time"
)

// Action is the verb recorded by an audit entry.
type Action string

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionView    Action = "view"
	ActionDisable Action = "disable"
	ActionEnable  Action = "enable"
	ActionLogin   Action = "login"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionView, ActionDisable, ActionEnable, ActionLogin:
		return true
	}
	return false
}

const maxUserAgent = 512

// Record is one append-only audit row before it is persisted. Stores insert it
// in the same transaction as the mutation it describes.
type Record struct {
	ActorID    string         `json:"actor_id,omitempty"`
	Action     Action         `json:"action"`
	ObjectType string         `json:"object_type"`
	ObjectID   string         `json:"object_id"`
	IPAddress  string         `json:"ip_address,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	Metadata   map[string]any `json:"metadata"`
}

// Entry is a persisted audit row.
type Entry struct {
	ID string `json:"id"`
	Record
	CreatedAt time.Time `json:"created_at"`
}

// Filter narrows audit listings.
type Filter struct {
	Action     Action
	ObjectType string
	Limit      int
}

// Normalize clamps the limit to a sane window.
func (f Filter) Normalize() Filter {
	f.ObjectType = strings.TrimSpace(f.ObjectType)
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return f
}

// NewRecord builds a record for the current request, taking client address
// and user agent from the request metadata in ctx.
func NewRecord(ctx context.Context, actorID string, action Action, objectType, objectID string, metadata map[string]any) Record {
	meta := MetaFromContext(ctx)
	if metadata == nil {
		metadata = map[string]any{}
	}
	return Record{
		ActorID:    actorID,
		Action:     action,
		ObjectType: objectType,
		ObjectID:   objectID,
		IPAddress:  meta.IPAddress,
		UserAgent:  truncate(meta.UserAgent, maxUserAgent),
		Metadata:   metadata,
	}
}

// RequestMeta is the request information attached to audit records.
type RequestMeta struct {
	RequestID string
	IPAddress string
	UserAgent string
}

type metaKey struct{}

// WithRequestMeta attaches request metadata to the context for audit logging.
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	meta.RequestID = strings.TrimSpace(meta.RequestID)
	meta.IPAddress = strings.TrimSpace(meta.IPAddress)
	return context.WithValue(ctx, metaKey{}, meta)
}

// MetaFromContext extracts request metadata from ctx if present.
func MetaFromContext(ctx context.Context) RequestMeta {
	if ctx == nil {
		return RequestMeta{}
	}
	if v, ok := ctx.Value(metaKey{}).(RequestMeta); ok {
		return v
	}
	return RequestMeta{}
}
