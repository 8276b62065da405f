package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

var ErrHubClosed = errors.New("hub closed")

const (
	defaultReplayCapacity   = 20
	defaultSubscriberBuffer = 256
)

// Subscriber is one open stream. Its channel is closed by the hub when the
// subscriber is removed, so draining goroutines simply range over Events.
type Subscriber struct {
	ID       string
	OpenedAt time.Time

	send     chan Event
	lastSeen time.Time // owned by the run loop
}

// Events is the subscriber's bounded queue. It is closed on removal.
func (s *Subscriber) Events() <-chan Event { return s.send }

type registration struct {
	sub  *Subscriber
	done chan struct{}
}

type sweepRequest struct {
	maxIdle time.Duration
	removed chan int
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Subscribers int `json:"subscribers"`
	Buffered    int `json:"buffered"`
}

// Hub fans events out to every open subscriber and keeps a replay buffer of
// recent messages for subscribers that (re)connect.
//
// subscribers and replay are touched only from Run, so they need no lock.
// Every exported method talks to Run over a channel.
type Hub struct {
	subscribers map[string]*Subscriber
	replay      *replayBuffer

	register   chan registration
	unregister chan string
	publish    chan Event
	touch      chan string
	sweep      chan sweepRequest
	stats      chan chan Stats
	done       chan struct{}

	sendBuffer    int
	sweepInterval time.Duration
	maxIdle       time.Duration
	now           func() time.Time
	newID         func() string
	log           *slog.Logger
}

type HubOption func(*Hub)

// WithReplayCapacity sets how many recent messages a new subscriber receives.
func WithReplayCapacity(n int) HubOption {
	return func(h *Hub) { h.replay = newReplayBuffer(n) }
}

// WithSubscriberBuffer sets the per-subscriber queue length. A subscriber
// whose queue is full when an event arrives is dropped.
func WithSubscriberBuffer(n int) HubOption {
	return func(h *Hub) { h.sendBuffer = n }
}

// WithSweep enables the periodic inactivity sweep.
func WithSweep(interval, maxIdle time.Duration) HubOption {
	return func(h *Hub) {
		h.sweepInterval = interval
		h.maxIdle = maxIdle
	}
}

func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.log = l }
}

func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subscribers: make(map[string]*Subscriber),
		replay:      newReplayBuffer(defaultReplayCapacity),
		register:    make(chan registration),
		unregister:  make(chan string),
		publish:     make(chan Event),
		touch:       make(chan string),
		sweep:       make(chan sweepRequest),
		stats:       make(chan chan Stats),
		done:        make(chan struct{}),
		sendBuffer:  defaultSubscriberBuffer,
		now:         time.Now,
		newID:       uuid.NewString,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	// The replay backlog must always fit into a fresh queue.
	if h.sendBuffer <= h.replay.capacity() {
		h.sendBuffer = h.replay.capacity() + 1
	}
	return h
}

// Run owns the hub state until ctx is cancelled. On exit every subscriber
// channel is closed and further calls return ErrHubClosed or become no-ops.
func (h *Hub) Run(ctx context.Context) {
	var tick <-chan time.Time
	if h.sweepInterval > 0 && h.maxIdle > 0 {
		ticker := time.NewTicker(h.sweepInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case reg := <-h.register:
			h.subscribers[reg.sub.ID] = reg.sub
			for _, ev := range h.replay.snapshot() {
				reg.sub.send <- ev
			}
			close(reg.done)
			h.log.Debug("subscriber registered",
				slog.String("connection", reg.sub.ID),
				slog.Int("replayed", h.replay.len()),
				slog.Int("subscribers", len(h.subscribers)),
			)

		case id := <-h.unregister:
			h.remove(id, "unsubscribed")

		case ev := <-h.publish:
			if ev.Conversational() {
				h.replay.push(ev)
			}
			for id, sub := range h.subscribers {
				select {
				case sub.send <- ev:
				default:
					h.remove(id, "write failed")
				}
			}

		case id := <-h.touch:
			if sub, ok := h.subscribers[id]; ok {
				sub.lastSeen = h.now()
			}

		case req := <-h.sweep:
			req.removed <- h.sweepInactive(req.maxIdle)

		case <-tick:
			if n := h.sweepInactive(h.maxIdle); n > 0 {
				h.log.Info("swept idle subscribers", slog.Int("removed", n))
			}

		case reply := <-h.stats:
			reply <- Stats{Subscribers: len(h.subscribers), Buffered: h.replay.len()}
		}
	}
}

// Subscribe registers a new subscriber. The replay backlog is already queued
// on the returned subscriber, oldest first, when Subscribe returns.
func (h *Hub) Subscribe() (*Subscriber, error) {
	now := h.now()
	sub := &Subscriber{
		ID:       h.newID(),
		OpenedAt: now,
		lastSeen: now,
		send:     make(chan Event, h.sendBuffer),
	}
	reg := registration{sub: sub, done: make(chan struct{})}
	select {
	case h.register <- reg:
	case <-h.done:
		return nil, ErrHubClosed
	}
	<-reg.done
	return sub, nil
}

// Publish fans ev out to every subscriber. It never waits on a subscriber:
// a subscriber that cannot take the event is dropped.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = h.now().UTC()
	}
	select {
	case h.publish <- ev:
	case <-h.done:
	}
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (h *Hub) Unsubscribe(id string) {
	select {
	case h.unregister <- id:
	case <-h.done:
	}
}

// Touch records a liveness signal for the subscriber.
func (h *Hub) Touch(id string) {
	select {
	case h.touch <- id:
	case <-h.done:
	}
}

// SweepInactive removes subscribers with no liveness signal for longer than
// maxIdle and reports how many were removed. The primary cleanup path is a
// failed write; this is the safety net.
func (h *Hub) SweepInactive(maxIdle time.Duration) int {
	req := sweepRequest{maxIdle: maxIdle, removed: make(chan int, 1)}
	select {
	case h.sweep <- req:
	case <-h.done:
		return 0
	}
	return <-req.removed
}

func (h *Hub) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case h.stats <- reply:
	case <-h.done:
		return Stats{}
	}
	return <-reply
}

func (h *Hub) sweepInactive(maxIdle time.Duration) int {
	now := h.now()
	removed := 0
	for id, sub := range h.subscribers {
		if now.Sub(sub.lastSeen) > maxIdle {
			h.remove(id, "idle")
			removed++
		}
	}
	return removed
}

func (h *Hub) remove(id, reason string) {
	sub, ok := h.subscribers[id]
	if !ok {
		return
	}
	delete(h.subscribers, id)
	close(sub.send)
	h.log.Debug("subscriber removed",
		slog.String("connection", id),
		slog.String("reason", reason),
		slog.Int("subscribers", len(h.subscribers)),
	)
}

func (h *Hub) shutdown() {
	close(h.done)
	for id := range h.subscribers {
		h.remove(id, "hub stopped")
	}
}
