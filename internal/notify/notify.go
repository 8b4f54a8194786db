// Package notify delivers best-effort e-mail notifications. Delivery failures
// are logged and counted but never returned to callers.
package notify

import (
	"context"
	"strings"
	"time"

	"phoenixvault.io/internal/obs"
)

// Message is one outbound e-mail.
type Message struct {
	From    string    `json:"from"`
	To      []string  `json:"to"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	SentAt  time.Time `json:"sent_at"`
}

// Transport hands a message to the delivery system.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, msg Message) error
}

// Mailer implements the vault notifier on top of a Transport.
type Mailer struct {
	transport Transport
	from      string
	enabled   bool
	now       func() time.Time
}

// Option customises a Mailer.
type Option func(*Mailer)

// WithFrom sets the sender address.
func WithFrom(from string) Option {
	return func(m *Mailer) { m.from = strings.TrimSpace(from) }
}

// WithEnabled toggles delivery globally.
func WithEnabled(enabled bool) Option {
	return func(m *Mailer) { m.enabled = enabled }
}

func WithClock(now func() time.Time) Option {
	return func(m *Mailer) {
		if now != nil {
			m.now = now
		}
	}
}

// New returns an enabled Mailer. A nil transport logs messages instead.
func New(transport Transport, opts ...Option) *Mailer {
	if transport == nil {
		transport = LogTransport{}
	}
	m := &Mailer{transport: transport, from: "phoenix@localhost", enabled: true, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Send delivers subject and body to recipients. Blank and duplicate
// recipients are dropped.
func (m *Mailer) Send(ctx context.Context, subject, body string, recipients []string) {
	name := m.transport.Name()
	to := cleanRecipients(recipients)
	if !m.enabled || len(to) == 0 {
		obs.Notification(name, "skipped")
		return
	}
	msg := Message{From: m.from, To: to, Subject: subject, Body: body, SentAt: m.now().UTC()}
	if err := m.transport.Deliver(ctx, msg); err != nil {
		obs.Notification(name, "failed")
		obs.Logger().Warn().Err(err).Str("transport", name).Str("subject", subject).Int("recipients", len(to)).Msg("mail delivery failed")
		return
	}
	obs.Notification(name, "sent")
}

func cleanRecipients(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		key := strings.ToLower(r)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}

// LogTransport writes messages to the structured log. Bodies are omitted since
// they carry one-time login codes.
type LogTransport struct{}

func (LogTransport) Name() string { return "log" }

func (LogTransport) Deliver(_ context.Context, msg Message) error {
	obs.Logger().Info().
		Str("from", msg.From).
		Strs("to", msg.To).
		Str("subject", msg.Subject).
		Int("body_bytes", len(msg.Body)).
		Msg("mail")
	return nil
}
