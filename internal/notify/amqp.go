package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"phoenixvault.io/internal/obs"
)

const (
	DefaultExchange = "phoenix.mail"
	RoutingKey      = "mail.send"
)

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Reopen returns a fresh channel and the connection that owns it. The
// connection may be nil when the channel owns nothing else.
type Reopen func() (Channel, io.Closer, error)

// AMQPOption customises an AMQPTransport.
type AMQPOption func(*AMQPTransport)

// WithReopen lets the transport replace a broken channel before publishing
// again. Without it a closed channel stays closed.
func WithReopen(fn Reopen) AMQPOption {
	return func(t *AMQPTransport) { t.reopen = fn }
}

// AMQPTransport publishes messages as JSON to a durable topic exchange for an
// external mail worker.
type AMQPTransport struct {
	mu       sync.Mutex
	conn     io.Closer
	ch       Channel
	exchange string
	reopen   Reopen
	broken   bool
}

// DialAMQP connects to url and declares the exchange. When the broker closes
// the channel or connection, the next delivery dials again.
func DialAMQP(url, exchange string) (*AMQPTransport, error) {
	ch, conn, err := dialChannel(url)
	if err != nil {
		return nil, err
	}
	var t *AMQPTransport
	reopen := func() (Channel, io.Closer, error) {
		ch, conn, err := dialChannel(url)
		if err != nil {
			return nil, nil, err
		}
		t.watch(ch)
		return ch, conn, nil
	}
	t, err = NewAMQPTransport(ch, exchange, WithReopen(reopen))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	t.conn = conn
	t.watch(ch)
	return t, nil
}

func dialChannel(url string) (*amqp.Channel, *amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open amqp channel: %w", err)
	}
	return ch, conn, nil
}

// watch marks the transport broken once the broker closes ch. A channel
// closed by Close reports no error and is ignored.
func (t *AMQPTransport) watch(ch *amqp.Channel) {
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		cause, ok := <-closed
		if !ok || cause == nil {
			return
		}
		obs.Logger().Warn().Str("component", "notify").Int("code", cause.Code).Str("reason", cause.Reason).Msg("amqp channel closed")
		t.markBroken(ch)
	}()
}

func (t *AMQPTransport) markBroken(ch Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch == ch {
		t.broken = true
	}
}

// NewAMQPTransport declares the exchange on ch. An empty exchange uses DefaultExchange.
func NewAMQPTransport(ch Channel, exchange string, opts ...AMQPOption) (*AMQPTransport, error) {
	if ch == nil {
		return nil, errors.New("amqp channel is nil")
	}
	if exchange == "" {
		exchange = DefaultExchange
	}
	if err := declare(ch, exchange); err != nil {
		_ = ch.Close()
		return nil, err
	}
	t := &AMQPTransport{ch: ch, exchange: exchange}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t, nil
}

func declare(ch Channel, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return nil
}

func (t *AMQPTransport) Name() string { return "amqp" }

// Deliver publishes msg. Channels are not safe for concurrent publishing, so
// calls are serialised. A failed publish reopens the channel and retries once.
func (t *AMQPTransport) Deliver(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal mail: %w", err)
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    msg.SentAt,
		Body:         body,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.broken && t.reopen != nil {
		if err := t.reconnect(); err != nil {
			return err
		}
	}
	err = t.ch.PublishWithContext(ctx, t.exchange, RoutingKey, false, false, pub)
	if err == nil || t.reopen == nil || ctx.Err() != nil {
		return err
	}
	if rerr := t.reconnect(); rerr != nil {
		return errors.Join(err, rerr)
	}
	return t.ch.PublishWithContext(ctx, t.exchange, RoutingKey, false, false, pub)
}

// reconnect swaps in a fresh channel. The caller holds t.mu.
func (t *AMQPTransport) reconnect() error {
	ch, conn, err := t.reopen()
	if err != nil {
		t.broken = true
		return fmt.Errorf("reopen amqp: %w", err)
	}
	if err := declare(ch, t.exchange); err != nil {
		_ = ch.Close()
		if conn != nil {
			_ = conn.Close()
		}
		t.broken = true
		return err
	}
	_ = t.ch.Close()
	if t.conn != nil {
		_ = t.conn.Close()
	}
	t.ch, t.conn, t.broken = ch, conn, false
	obs.Logger().Info().Str("component", "notify").Str("exchange", t.exchange).Msg("amqp channel reopened")
	return nil
}

func (t *AMQPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.ch.Close()
	if t.conn != nil {
		if cerr := t.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
