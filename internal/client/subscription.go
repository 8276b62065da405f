// Package client is the dashboard side of the message stream: a subscription
// that reconnects with backoff and feeds the conversation view, plus a small
// HTTP client for the REST endpoints.
package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"gastro-chat/internal/chat"
	"gastro-chat/internal/conversation"
)

var ErrClosed = errors.New("subscription closed")

// Handler receives every event while the subscription is open.
type Handler func(chat.Event)

// ViewHandler feeds events into a view model, which drops ids it already has.
func ViewHandler(v *conversation.ViewModel) Handler {
	return v.Apply
}

// Subscription keeps one stream open, reconnecting through Backoff until the
// policy's budget is spent, then parks in Disconnected until Connect is
// called again. Close is final.
type Subscription struct {
	transport Transport
	handler   Handler
	policy    Policy
	sched     Scheduler
	onStatus  func(State)
	log       *slog.Logger

	mu      sync.Mutex
	state   State
	attempt int
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	stream  Stream
	timer   Timer
	lastErr error
}

type Option func(*Subscription)

func WithPolicy(p Policy) Option { return func(s *Subscription) { s.policy = p } }

func WithScheduler(sc Scheduler) Option { return func(s *Subscription) { s.sched = sc } }

// WithOnStatus is called on every state change, in order. fn runs under the
// subscription lock and must not call back into the Subscription.
func WithOnStatus(fn func(State)) Option { return func(s *Subscription) { s.onStatus = fn } }

func WithLogger(l *slog.Logger) Option { return func(s *Subscription) { s.log = l } }

func NewSubscription(transport Transport, handler Handler, opts ...Option) *Subscription {
	s := &Subscription{
		transport: transport,
		handler:   handler,
		policy:    DefaultPolicy(),
		sched:     RealScheduler,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is the last transport error seen, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Connect starts the subscription from Idle, or restarts it from
// Disconnected with a fresh retry budget. It does nothing while a
// connection is open or being attempted.
func (s *Subscription) Connect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateIdle && s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.attempt = 0
	s.setState(StateConnecting)
	s.mu.Unlock()

	go s.dial()
	return nil
}

// Close stops the stream and any pending reconnect and returns to Idle.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancel()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	stream := s.stream
	s.stream = nil
	s.setState(StateIdle)
	s.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
}

func (s *Subscription) dial() {
	stream, err := s.transport.Dial(s.ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if stream != nil {
			stream.Close()
		}
		return
	}
	if err != nil {
		s.fail(err)
		s.mu.Unlock()
		return
	}
	s.stream = stream
	s.attempt = 0
	s.lastErr = nil
	s.setState(StateOpen)
	s.mu.Unlock()

	s.log.Debug("subscription open")
	s.read(stream)
}

func (s *Subscription) read(stream Stream) {
	for {
		ev, err := stream.Next()
		if err != nil {
			stream.Close()
			s.mu.Lock()
			if !s.closed && s.stream == stream {
				s.stream = nil
				s.fail(err)
			}
			s.mu.Unlock()
			return
		}
		if ev.Type == chat.EventConnected || ev.Type == chat.EventHeartbeat {
			continue
		}
		if s.handler != nil {
			s.handler(ev)
		}
	}
}

// fail moves to Backoff with a scheduled retry, or to Disconnected once the
// policy says stop. Callers hold s.mu.
func (s *Subscription) fail(err error) {
	s.lastErr = err
	s.attempt++
	if !s.policy.IsRetryable(s.attempt) {
		s.log.Warn("subscription gave up", slog.Int("attempts", s.attempt-1), slog.Any("error", err))
		s.setState(StateDisconnected)
		return
	}
	delay := s.policy.Delay(s.attempt)
	s.log.Debug("subscription backing off",
		slog.Int("attempt", s.attempt),
		slog.Duration("delay", delay),
		slog.Any("error", err),
	)
	s.setState(StateBackoff)
	s.timer = s.sched.AfterFunc(delay, s.retry)
}

func (s *Subscription) retry() {
	s.mu.Lock()
	if s.closed || s.state != StateBackoff {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.setState(StateConnecting)
	s.mu.Unlock()

	s.dial()
}

// setState records the new state and reports it to onStatus. Callers hold s.mu.
func (s *Subscription) setState(next State) {
	if s.state == next {
		return
	}
	s.state = next
	if s.onStatus != nil {
		s.onStatus(next)
	}
}
