package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"gastro-chat/internal/chat"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualScheduler only fires timers when the test says so.
type manualScheduler struct {
	mu      sync.Mutex
	pending []*manualTimer
}

type manualTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
	owner   *manualScheduler
}

func (m *manualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{d: d, f: f, owner: m}
	m.pending = append(m.pending, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// fire runs the oldest live timer on its own goroutine and returns its delay.
func (m *manualScheduler) fire(t *testing.T) time.Duration {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.pending) > 0 {
		next := m.pending[0]
		m.pending = m.pending[1:]
		if next.stopped {
			continue
		}
		next.fired = true
		go next.f()
		return next.d
	}
	t.Fatal("no pending timer")
	return 0
}

func (m *manualScheduler) live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.pending {
		if !p.stopped && !p.fired {
			n++
		}
	}
	return n
}

type fakeStream struct {
	events chan chat.Event
	done   chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan chat.Event, 16), done: make(chan struct{})}
}

func (s *fakeStream) Next() (chat.Event, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return chat.Event{}, io.ErrUnexpectedEOF
		}
		return ev, nil
	case <-s.done:
		return chat.Event{}, io.ErrClosedPipe
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// scriptedTransport hands out the queued results in order, then refuses.
type scriptedTransport struct {
	mu      sync.Mutex
	streams []*fakeStream
	dials   int
}

func (t *scriptedTransport) queue(s *fakeStream) {
	t.mu.Lock()
	t.streams = append(t.streams, s)
	t.mu.Unlock()
}

func (t *scriptedTransport) Dial(context.Context) (Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if len(t.streams) == 0 {
		return nil, errors.New("connection refused")
	}
	s := t.streams[0]
	t.streams = t.streams[1:]
	return s, nil
}

func (t *scriptedTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(st State) {
	l.mu.Lock()
	l.states = append(l.states, st)
	l.mu.Unlock()
}

func (l *stateLog) all() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

type eventLog struct {
	mu     sync.Mutex
	events []chat.Event
}

func (l *eventLog) handle(ev chat.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func waitState(t *testing.T, s *Subscription, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want },
		2*time.Second, 2*time.Millisecond, "want state %s, have %s", want, s.State())
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, ExponentialBase: 2}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 300*time.Millisecond, p.Delay(3))
	assert.Equal(t, 300*time.Millisecond, p.Delay(10))

	f := FixedPolicy(time.Second, 3)
	assert.Equal(t, time.Second, f.Delay(1))
	assert.Equal(t, time.Second, f.Delay(7))
	assert.True(t, f.IsRetryable(3))
	assert.False(t, f.IsRetryable(4))

	assert.True(t, Policy{}.IsRetryable(1000))

	uncapped := Policy{BaseDelay: time.Second, ExponentialBase: 2}
	for _, attempt := range []int{30, 40, 64, 2000} {
		d := uncapped.Delay(attempt)
		assert.Positive(t, d, "attempt %d", attempt)
		assert.GreaterOrEqual(t, d, uncapped.Delay(attempt-1), "attempt %d", attempt)
	}
}

func TestSubscription_OpensAndDeliversEvents(t *testing.T) {
	tr := &scriptedTransport{}
	stream := newFakeStream()
	tr.queue(stream)
	events := &eventLog{}

	sub := NewSubscription(tr, events.handle, WithScheduler(&manualScheduler{}), WithLogger(quiet()))
	require.NoError(t, sub.Connect())
	waitState(t, sub, StateOpen)

	stream.events <- chat.Event{Type: chat.EventConnected, ConnectionID: "c1"}
	stream.events <- chat.Event{Type: chat.EventHeartbeat}
	stream.events <- chat.Event{Type: chat.EventMessage, MessageID: "m1"}
	require.Eventually(t, func() bool { return events.count() == 1 }, time.Second, 2*time.Millisecond)

	sub.Close()
	assert.Equal(t, StateIdle, sub.State())
	assert.ErrorIs(t, sub.Connect(), ErrClosed)
}

func TestSubscription_ConnectIsNoopWhileActive(t *testing.T) {
	tr := &scriptedTransport{}
	tr.queue(newFakeStream())
	sub := NewSubscription(tr, nil, WithScheduler(&manualScheduler{}), WithLogger(quiet()))
	t.Cleanup(sub.Close)

	require.NoError(t, sub.Connect())
	waitState(t, sub, StateOpen)
	require.NoError(t, sub.Connect())
	assert.Equal(t, 1, tr.dialCount())
}

func TestSubscription_ReconnectsAfterStreamError(t *testing.T) {
	tr := &scriptedTransport{}
	first := newFakeStream()
	second := newFakeStream()
	tr.queue(first)
	tr.queue(second)
	sched := &manualScheduler{}

	sub := NewSubscription(tr, nil,
		WithScheduler(sched),
		WithPolicy(Policy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second, ExponentialBase: 2}),
		WithLogger(quiet()),
	)
	t.Cleanup(sub.Close)
	require.NoError(t, sub.Connect())
	waitState(t, sub, StateOpen)

	close(first.events)
	waitState(t, sub, StateBackoff)
	assert.Error(t, sub.Err())

	assert.Equal(t, 50*time.Millisecond, sched.fire(t))
	waitState(t, sub, StateOpen)
	assert.Equal(t, 2, tr.dialCount())
	assert.NoError(t, sub.Err())
}

func TestSubscription_GivesUpAfterBudget(t *testing.T) {
	tr := &scriptedTransport{}
	sched := &manualScheduler{}
	states := &stateLog{}

	sub := NewSubscription(tr, nil,
		WithScheduler(sched),
		WithPolicy(Policy{MaxAttempts: 2, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, ExponentialBase: 2}),
		WithOnStatus(states.record),
		WithLogger(quiet()),
	)
	t.Cleanup(sub.Close)
	require.NoError(t, sub.Connect())

	waitState(t, sub, StateBackoff)
	assert.Equal(t, 100*time.Millisecond, sched.fire(t))
	require.Eventually(t, func() bool { return tr.dialCount() == 2 && sub.State() == StateBackoff }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 200*time.Millisecond, sched.fire(t))
	waitState(t, sub, StateDisconnected)

	assert.Equal(t, 3, tr.dialCount())
	assert.Equal(t, 0, sched.live())
	assert.Equal(t, []State{
		StateConnecting, StateBackoff,
		StateConnecting, StateBackoff,
		StateConnecting, StateDisconnected,
	}, states.all())

	// A manual reconnect starts over with a fresh budget.
	tr.queue(newFakeStream())
	require.NoError(t, sub.Connect())
	waitState(t, sub, StateOpen)
}

func TestSubscription_CloseCancelsPendingRetry(t *testing.T) {
	tr := &scriptedTransport{}
	sched := &manualScheduler{}
	sub := NewSubscription(tr, nil, WithScheduler(sched), WithPolicy(FixedPolicy(time.Second, 5)), WithLogger(quiet()))

	require.NoError(t, sub.Connect())
	waitState(t, sub, StateBackoff)
	require.Equal(t, 1, sched.live())

	sub.Close()
	assert.Equal(t, StateIdle, sub.State())
	assert.Equal(t, 0, sched.live())
	assert.Equal(t, 1, tr.dialCount())
}

func TestSubscription_CloseWhileOpenDoesNotReconnect(t *testing.T) {
	tr := &scriptedTransport{}
	stream := newFakeStream()
	tr.queue(stream)
	sched := &manualScheduler{}
	sub := NewSubscription(tr, nil, WithScheduler(sched), WithLogger(quiet()))

	require.NoError(t, sub.Connect())
	waitState(t, sub, StateOpen)
	sub.Close()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateIdle, sub.State())
	assert.Equal(t, 0, sched.live())
}

func TestRegistry_OneContactSubscriptionAtATime(t *testing.T) {
	made := map[string][]*Subscription{}
	var mu sync.Mutex
	reg := NewRegistry(func(key string) *Subscription {
		tr := &scriptedTransport{}
		tr.queue(newFakeStream())
		s := NewSubscription(tr, nil, WithScheduler(&manualScheduler{}), WithLogger(quiet()))
		mu.Lock()
		made[key] = append(made[key], s)
		mu.Unlock()
		return s
	})
	t.Cleanup(reg.CloseAll)

	global, err := reg.Open("")
	require.NoError(t, err)
	a, err := reg.Open("+54 9 11 3556-2673")
	require.NoError(t, err)
	waitState(t, a, StateOpen)

	again, err := reg.Open("5491135562673")
	require.NoError(t, err)
	assert.Same(t, a, again)

	b, err := reg.Open("+44 20 7946 0000")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, a.State())
	waitState(t, b, StateOpen)

	cur, key := reg.Contact()
	assert.Same(t, b, cur)
	assert.Equal(t, "+442079460000", key)

	sameGlobal, err := reg.Open("")
	require.NoError(t, err)
	assert.Same(t, global, sameGlobal)
	assert.NotEqual(t, StateIdle, global.State())
	assert.Len(t, made[""], 1)
}
