package chat

import (
	"errors"
	"fmt"
	"time"

	"gastro-chat/internal/identity"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// ---------------------------------------------
// 🗄️ Database & API Models
// ---------------------------------------------

type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// DeliveryState moves sent -> delivered -> read. Failed may be reached from
// any state and is terminal.
type DeliveryState string

const (
	StateSent      DeliveryState = "sent"
	StateDelivered DeliveryState = "delivered"
	StateRead      DeliveryState = "read"
	StateFailed    DeliveryState = "failed"
)

func (s DeliveryState) rank() int {
	switch s {
	case StateSent:
		return 1
	case StateDelivered:
		return 2
	case StateRead:
		return 3
	case StateFailed:
		return 4
	}
	return 0
}

// Valid reports whether s is one of the known states.
func (s DeliveryState) Valid() bool { return s.rank() > 0 }

// Advance returns the state after observing next. Unknown states and
// regressions are ignored.
func (s DeliveryState) Advance(next DeliveryState) DeliveryState {
	if !next.Valid() || s == StateFailed {
		return s
	}
	if next == StateFailed || next.rank() > s.rank() {
		return next
	}
	return s
}

type Message struct {
	ID              string        `json:"id"`
	ConversationKey string        `json:"conversationKey"`
	Direction       Direction     `json:"direction"`
	Content         string        `json:"content"`
	DocumentURL     string        `json:"documentUrl,omitempty"`
	DocumentName    string        `json:"documentName,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
	DeliveryState   DeliveryState `json:"deliveryState"`
	Simulated       bool          `json:"simulated,omitempty"`
}

// HasAttachment reports whether the message carries a document.
func (m *Message) HasAttachment() bool { return m.DocumentURL != "" }

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	ConversationKey string    `json:"conversationKey"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	MessageCount    int       `json:"messageCount"`
}

// ---------------------------------------------
// ⚡ Hub Events
// ---------------------------------------------

type EventType string

const (
	EventConnected EventType = "connected"
	EventHeartbeat EventType = "heartbeat"
	EventMessage   EventType = "message"
	EventStatus    EventType = "status"
	EventRead      EventType = "read"
)

// Event is the unit the hub fans out and the stream endpoints encode as one frame.
type Event struct {
	Type            EventType     `json:"type"`
	Message         *Message      `json:"message,omitempty"`
	ConversationKey string        `json:"conversationKey,omitempty"`
	MessageID       string        `json:"messageId,omitempty"`
	DeliveryState   DeliveryState `json:"deliveryState,omitempty"`
	ConnectionID    string        `json:"connectionId,omitempty"`
	// Origin is the relay instance that first published the event.
	Origin string    `json:"origin,omitempty"`
	Time   time.Time `json:"time"`
}

// Conversational reports whether the event carries a message and so belongs
// in the replay buffer.
func (e Event) Conversational() bool {
	return e.Type == EventMessage && e.Message != nil
}

// Key returns the conversation the event belongs to, or "" for connection frames.
func (e Event) Key() string {
	if e.Message != nil {
		return e.Message.ConversationKey
	}
	return e.ConversationKey
}

func MessageEvent(m Message) Event {
	return Event{Type: EventMessage, Message: &m, ConversationKey: m.ConversationKey, MessageID: m.ID, Time: time.Now().UTC()}
}

func StatusEvent(m Message) Event {
	return Event{Type: EventStatus, ConversationKey: m.ConversationKey, MessageID: m.ID, DeliveryState: m.DeliveryState, Time: time.Now().UTC()}
}

func ReadEvent(key string) Event {
	return Event{Type: EventRead, ConversationKey: key, Time: time.Now().UTC()}
}

// Publisher is anything that can fan an event out. Both *Hub and the relay
// bridge satisfy it.
type Publisher interface {
	Publish(ev Event)
}

// ---------------------------------------------
// 📮 Provider contract
// ---------------------------------------------

// ErrInvalidInput marks caller errors. It is the only failure a send reports.
var ErrInvalidInput = errors.New("invalid input")

func invalid(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidInput, err)
}

var hasDigits = validation.By(func(value interface{}) error {
	s, _ := value.(string)
	if identity.Normalize(s) == "" {
		return errors.New("must contain a phone number")
	}
	return nil
})

// SendRequest is what the send endpoint accepts.
type SendRequest struct {
	To           string `json:"to"`
	Content      string `json:"content"`
	DocumentURL  string `json:"documentUrl,omitempty"`
	DocumentName string `json:"documentName,omitempty"`
}

func (r SendRequest) Validate() error {
	return invalid(validation.ValidateStruct(&r,
		validation.Field(&r.To, validation.Required, hasDigits),
		validation.Field(&r.Content, validation.When(r.DocumentURL == "", validation.Required)),
	))
}

// TemplateRequest sends a provider-approved template.
type TemplateRequest struct {
	To         string   `json:"to"`
	Template   string   `json:"template"`
	Language   string   `json:"language"`
	Parameters []string `json:"parameters,omitempty"`
}

func (r TemplateRequest) Validate() error {
	return invalid(validation.ValidateStruct(&r,
		validation.Field(&r.To, validation.Required, hasDigits),
		validation.Field(&r.Template, validation.Required),
	))
}

// SendResult never reports provider failures; Simulated and Mode say which
// path carried the message.
type SendResult struct {
	Success   bool     `json:"success"`
	MessageID string   `json:"messageId"`
	Delivered bool     `json:"delivered"`
	Simulated bool     `json:"simulated"`
	Mode      string   `json:"mode"`
	Message   *Message `json:"message,omitempty"`
}

// InboundEvent is a provider message normalized out of a webhook payload.
type InboundEvent struct {
	ID           string    `json:"id"`
	From         string    `json:"from"`
	To           string    `json:"to,omitempty"`
	Content      string    `json:"content"`
	DocumentURL  string    `json:"documentUrl,omitempty"`
	DocumentName string    `json:"documentName,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e InboundEvent) Validate() error {
	return invalid(validation.ValidateStruct(&e,
		validation.Field(&e.From, validation.Required, hasDigits),
		validation.Field(&e.Content, validation.When(e.DocumentURL == "", validation.Required)),
	))
}

// StatusUpdate is a delivery receipt reported by the provider.
type StatusUpdate struct {
	MessageID string        `json:"messageId"`
	Recipient string        `json:"recipient,omitempty"`
	State     DeliveryState `json:"state"`
	Timestamp time.Time     `json:"timestamp"`
}

// ProviderStatus feeds the status endpoint.
type ProviderStatus struct {
	Enabled    bool   `json:"enabled"`
	Mode       string `json:"mode"`
	Configured bool   `json:"configured"`
	Verified   bool   `json:"verified"`
}
