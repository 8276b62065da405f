// Package provider sends and receives messages through the external messaging
// channel. It hides whether a message went through the live provider or was
// simulated, and keeps the durable log and the hub in step either way.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gastro-chat/internal/chat"
	"gastro-chat/internal/identity"

	"github.com/google/uuid"
)

var ErrNotConfigured = errors.New("provider credentials not configured")

const (
	persistTimeout = 5 * time.Second
	sendTimeout    = 15 * time.Second
)

// MessageLog is the durable side of every send and receipt.
type MessageLog interface {
	SaveMessage(ctx context.Context, msg *chat.Message) error
	// UpdateStatus matches on messageID, and on conversationKey too when it is not "".
	UpdateStatus(ctx context.Context, conversationKey, messageID string, next chat.DeliveryState) (*chat.Message, bool, error)
}

// Facade is the single entry point for outbound sends and inbound receipts.
//
// It starts in simulation. Verify moves it to production after a live
// credential check. The first failed production send drops it back to
// simulation for the rest of the process; that send and every later one is
// simulated and still reported as a success.
type Facade struct {
	mu    sync.RWMutex
	state State

	transport Transport
	log       MessageLog
	publisher chat.Publisher
	logger    *slog.Logger

	simDelay time.Duration
	now      func() time.Time
	newID    func() string
}

type Option func(*Facade) error

// WithTransport sets the live transport. Without one the facade can only simulate.
func WithTransport(t Transport) Option {
	return func(f *Facade) error {
		if t == nil {
			return fmt.Errorf("transport cannot be nil")
		}
		f.transport = t
		return nil
	}
}

func WithMessageLog(l MessageLog) Option {
	return func(f *Facade) error {
		if l == nil {
			return fmt.Errorf("message log cannot be nil")
		}
		f.log = l
		return nil
	}
}

func WithPublisher(p chat.Publisher) Option {
	return func(f *Facade) error {
		if p == nil {
			return fmt.Errorf("publisher cannot be nil")
		}
		f.publisher = p
		return nil
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(f *Facade) error {
		if l == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		f.logger = l
		return nil
	}
}

// WithSimulationDelay sets how long a simulated send pretends to take.
func WithSimulationDelay(d time.Duration) Option {
	return func(f *Facade) error {
		if d < 0 {
			return fmt.Errorf("simulation delay must be >= 0, got %v", d)
		}
		f.simDelay = d
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(f *Facade) error {
		f.now = now
		return nil
	}
}

func WithIDGenerator(gen func() string) Option {
	return func(f *Facade) error {
		f.newID = gen
		return nil
	}
}

func New(opts ...Option) (*Facade, error) {
	f := &Facade{
		logger:   slog.Default(),
		simDelay: 300 * time.Millisecond,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, fmt.Errorf("provider option: %w", err)
		}
	}
	if f.log == nil {
		return nil, fmt.Errorf("message log is required (use WithMessageLog)")
	}
	if f.publisher == nil {
		return nil, fmt.Errorf("publisher is required (use WithPublisher)")
	}

	configured := f.transport != nil && f.transport.Configured()
	f.state = State{Mode: ModeSimulation, Configured: configured, Reason: "startup", Since: f.now().UTC()}
	if !configured {
		f.state.Reason = "credentials not configured"
	}
	return f, nil
}

// State returns the current mode.
func (f *Facade) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// Status is the observability view of State.
func (f *Facade) Status() chat.ProviderStatus {
	s := f.State()
	return chat.ProviderStatus{
		Enabled:    s.Configured,
		Mode:       string(s.Mode),
		Configured: s.Configured,
		Verified:   s.Verified,
	}
}

// transition is the only place the mode changes.
func (f *Facade) transition(mode Mode, verified bool, reason string) {
	f.mu.Lock()
	prev := f.state
	f.state.Mode = mode
	f.state.Verified = verified
	f.state.Reason = reason
	f.state.Since = f.now().UTC()
	f.mu.Unlock()

	if prev.Mode != mode {
		f.logger.Warn("provider mode changed",
			slog.String("from", string(prev.Mode)),
			slog.String("to", string(mode)),
			slog.String("reason", reason),
		)
	}
}

// Verify checks the credentials live and switches to production on success.
// On failure the facade stays in (or returns to) simulation.
func (f *Facade) Verify(ctx context.Context) error {
	if !f.State().Configured {
		return ErrNotConfigured
	}
	if err := f.transport.Verify(ctx); err != nil {
		f.transition(ModeSimulation, false, "verification failed: "+err.Error())
		return fmt.Errorf("verify credentials: %w", err)
	}
	f.transition(ModeProduction, true, "credentials verified")
	return nil
}

// Send delivers a free-text (or document) message. The only error it returns
// wraps chat.ErrInvalidInput.
func (f *Facade) Send(ctx context.Context, req chat.SendRequest) (*chat.SendResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	out := Outbound{
		To:           identity.Normalize(req.To),
		Kind:         KindText,
		Text:         req.Content,
		DocumentURL:  req.DocumentURL,
		DocumentName: req.DocumentName,
	}
	if req.DocumentURL != "" {
		out.Kind = KindDocument
	}
	return f.deliver(ctx, out, req.Content), nil
}

// SendTemplate delivers a provider template with the same two-path contract as Send.
func (f *Facade) SendTemplate(ctx context.Context, req chat.TemplateRequest) (*chat.SendResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	lang := req.Language
	if lang == "" {
		lang = "es"
	}
	out := Outbound{
		To:         identity.Normalize(req.To),
		Kind:       KindTemplate,
		Template:   req.Template,
		Language:   lang,
		Parameters: req.Parameters,
	}
	return f.deliver(ctx, out, renderTemplate(req)), nil
}

func (f *Facade) deliver(ctx context.Context, out Outbound, content string) *chat.SendResult {
	var id string
	simulated := true

	if f.State().Production() {
		// A caller that goes away must not decide the process-wide mode.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		providerID, err := f.transport.Send(sctx, out)
		cancel()
		if err == nil {
			id, simulated = providerID, false
		} else {
			f.logger.Warn("production send failed, falling back to simulation",
				slog.String("conversation", out.To),
				slog.Any("error", err),
			)
			f.transition(ModeSimulation, false, "send failed: "+err.Error())
		}
	}
	if simulated {
		f.sleep(ctx, f.simDelay)
		id = "sim_" + f.newID()
	}

	msg := chat.Message{
		ID:              id,
		ConversationKey: out.To,
		Direction:       chat.DirectionSent,
		Content:         content,
		DocumentURL:     out.DocumentURL,
		DocumentName:    out.DocumentName,
		Timestamp:       f.now().UTC(),
		DeliveryState:   chat.StateSent,
		Simulated:       simulated,
	}
	f.persist(ctx, &msg)
	f.publisher.Publish(chat.MessageEvent(msg))

	return &chat.SendResult{
		Success:   true,
		MessageID: id,
		Delivered: true,
		Simulated: simulated,
		Mode:      string(f.State().Mode),
		Message:   &msg,
	}
}

// ReceiveInbound records a message from a contact and fans it out.
func (f *Facade) ReceiveInbound(ctx context.Context, ev chat.InboundEvent) (*chat.Message, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	id := ev.ID
	if id == "" {
		id = "in_" + f.newID()
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = f.now()
	}
	msg := chat.Message{
		ID:              id,
		ConversationKey: identity.Normalize(ev.From),
		Direction:       chat.DirectionReceived,
		Content:         ev.Content,
		DocumentURL:     ev.DocumentURL,
		DocumentName:    ev.DocumentName,
		Timestamp:       ts.UTC(),
		DeliveryState:   chat.StateDelivered,
	}
	f.persist(ctx, &msg)
	f.publisher.Publish(chat.MessageEvent(msg))
	return &msg, nil
}

// ApplyStatus records a delivery receipt and publishes the new state when it
// moved forward. Receipts for unknown messages are ignored.
func (f *Facade) ApplyStatus(ctx context.Context, st chat.StatusUpdate) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	msg, changed, err := f.log.UpdateStatus(pctx, identity.Normalize(st.Recipient), st.MessageID, st.State)
	if err != nil {
		if errors.Is(err, chat.ErrMessageNotFound) {
			f.logger.Debug("status for unknown message", slog.String("message", st.MessageID))
			return nil
		}
		return err
	}
	if changed {
		f.publisher.Publish(chat.StatusEvent(*msg))
	}
	return nil
}

// ReceiveWebhook parses a provider payload and applies every message and
// receipt in it. It reports how many items were applied.
func (f *Facade) ReceiveWebhook(ctx context.Context, body []byte) (int, error) {
	payload, err := ParseWebhook(body)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ev := range payload.Inbound {
		if _, err := f.ReceiveInbound(ctx, ev); err != nil {
			f.logger.Warn("skipping inbound message", slog.String("message", ev.ID), slog.Any("error", err))
			continue
		}
		n++
	}
	for _, st := range payload.Statuses {
		if err := f.ApplyStatus(ctx, st); err != nil {
			f.logger.Error("status not applied", slog.String("message", st.MessageID), slog.Any("error", err))
			continue
		}
		n++
	}
	return n, nil
}

// persist writes msg to the durable log. Failures are logged and swallowed:
// the message was already sent (or simulated) and the live stream carries it.
func (f *Facade) persist(ctx context.Context, msg *chat.Message) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := f.log.SaveMessage(pctx, msg); err != nil {
		f.logger.Error("message not persisted",
			slog.String("conversation", msg.ConversationKey),
			slog.String("message", msg.ID),
			slog.Any("error", err),
		)
	}
}

func (f *Facade) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func renderTemplate(req chat.TemplateRequest) string {
	if len(req.Parameters) == 0 {
		return "[" + req.Template + "]"
	}
	return "[" + req.Template + "] " + strings.Join(req.Parameters, " · ")
}
