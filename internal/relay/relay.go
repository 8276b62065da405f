// Package relay carries hub events between server instances so a subscriber
// on one instance sees what was published on another.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gastro-chat/internal/chat"

	"github.com/google/uuid"
)

const (
	publishTimeout    = 2 * time.Second
	defaultOutboxSize = 256
)

// Transport moves opaque payloads between instances.
type Transport interface {
	Publish(ctx context.Context, payload []byte) error
	// Subscribe returns payloads published by any instance, including this
	// one. The channel closes when ctx ends or the transport goes away.
	Subscribe(ctx context.Context) (<-chan []byte, error)
	Close() error
}

// Bridge is a chat.Publisher that publishes locally and to every other
// instance. Events it receives from the transport are published locally only.
// Broker writes happen on Run's goroutine through a bounded outbox, so
// Publish never waits on the network.
type Bridge struct {
	local     chat.Publisher
	transport Transport
	origin    string
	outbox    chan []byte
	log       *slog.Logger
}

type Option func(*Bridge)

func WithOrigin(id string) Option { return func(b *Bridge) { b.origin = id } }

func WithLogger(l *slog.Logger) Option { return func(b *Bridge) { b.log = l } }

// WithOutboxSize sets how many encoded events may wait for the broker. When
// the outbox is full further events are dropped from the relay only.
func WithOutboxSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.outbox = make(chan []byte, n)
		}
	}
}

func NewBridge(local chat.Publisher, transport Transport, opts ...Option) *Bridge {
	b := &Bridge{
		local:     local,
		transport: transport,
		origin:    uuid.NewString(),
		outbox:    make(chan []byte, defaultOutboxSize),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With(slog.String("relay_origin", b.origin))
	return b
}

// Origin identifies this instance on the transport.
func (b *Bridge) Origin() string { return b.origin }

func (b *Bridge) Publish(ev chat.Event) {
	if ev.Origin == "" {
		ev.Origin = b.origin
	}
	b.local.Publish(ev)

	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("relay encode", slog.Any("error", err))
		return
	}
	select {
	case b.outbox <- payload:
	default:
		b.log.Warn("relay outbox full, event not relayed",
			slog.String("type", string(ev.Type)),
			slog.String("message", ev.MessageID),
		)
	}
}

// Run drains the outbox to the transport and forwards remote events to the
// local publisher until ctx ends.
func (b *Bridge) Run(ctx context.Context) error {
	go b.drain(ctx)

	in, err := b.transport.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	b.log.Info("relay listening")

	for payload := range in {
		var ev chat.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			b.log.Warn("relay dropped undecodable payload", slog.Any("error", err))
			continue
		}
		if ev.Origin == b.origin {
			continue
		}
		b.local.Publish(ev)
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (b *Bridge) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-b.outbox:
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			if err := b.transport.Publish(pctx, payload); err != nil {
				b.log.Warn("relay publish failed", slog.Any("error", err))
			}
			cancel()
		}
	}
}

func (b *Bridge) Close() error { return b.transport.Close() }
