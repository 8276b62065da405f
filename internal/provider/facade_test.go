package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"gastro-chat/internal/chat"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu         sync.Mutex
	configured bool
	verifyErr  error
	sendErr    error
	sends      []Outbound
}

func (f *fakeTransport) Configured() bool { return f.configured }

func (f *fakeTransport) Verify(context.Context) error { return f.verifyErr }

func (f *fakeTransport) Send(ctx context.Context, out Outbound) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, out)
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return fmt.Sprintf("wamid.%d", len(f.sends)), nil
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

type memLog struct {
	mu      sync.Mutex
	saveErr error
	msgs    map[string]*chat.Message
}

func newMemLog() *memLog { return &memLog{msgs: map[string]*chat.Message{}} }

func (l *memLog) SaveMessage(_ context.Context, msg *chat.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.saveErr != nil {
		return l.saveErr
	}
	if _, ok := l.msgs[msg.ID]; !ok {
		cp := *msg
		l.msgs[msg.ID] = &cp
	}
	return nil
}

func (l *memLog) UpdateStatus(_ context.Context, key, id string, next chat.DeliveryState) (*chat.Message, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.msgs[id]
	if !ok || (key != "" && m.ConversationKey != key) {
		return nil, false, chat.ErrMessageNotFound
	}
	adv := m.DeliveryState.Advance(next)
	changed := adv != m.DeliveryState
	m.DeliveryState = adv
	cp := *m
	return &cp, changed, nil
}

type recorder struct {
	mu     sync.Mutex
	events []chat.Event
}

func (r *recorder) Publish(ev chat.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []chat.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]chat.Event(nil), r.events...)
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fixture struct {
	facade    *Facade
	transport *fakeTransport
	log       *memLog
	events    *recorder
}

func newFixture(t *testing.T, tr *fakeTransport) *fixture {
	t.Helper()
	fx := &fixture{transport: tr, log: newMemLog(), events: &recorder{}}
	seq := 0
	opts := []Option{
		WithMessageLog(fx.log),
		WithPublisher(fx.events),
		WithLogger(quietLogger()),
		WithSimulationDelay(0),
		WithIDGenerator(func() string { seq++; return fmt.Sprintf("id%d", seq) }),
	}
	if tr != nil {
		opts = append(opts, WithTransport(tr))
	}
	f, err := New(opts...)
	require.NoError(t, err)
	fx.facade = f
	return fx
}

func TestNew_RequiresLogAndPublisher(t *testing.T) {
	_, err := New(WithPublisher(&recorder{}))
	assert.Error(t, err)

	_, err = New(WithMessageLog(newMemLog()))
	assert.Error(t, err)

	_, err = New(WithMessageLog(newMemLog()), WithPublisher(&recorder{}), WithSimulationDelay(-time.Second))
	assert.Error(t, err)
}

func TestFacade_StartsInSimulation(t *testing.T) {
	fx := newFixture(t, &fakeTransport{configured: true})

	st := fx.facade.Status()
	assert.Equal(t, "simulation", st.Mode)
	assert.True(t, st.Configured)
	assert.False(t, st.Verified)
}

func TestFacade_VerifyWithoutCredentials(t *testing.T) {
	fx := newFixture(t, nil)

	err := fx.facade.Verify(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, ModeSimulation, fx.facade.State().Mode)
}

func TestFacade_VerifyFailureStaysInSimulation(t *testing.T) {
	fx := newFixture(t, &fakeTransport{configured: true, verifyErr: errors.New("401")})

	require.Error(t, fx.facade.Verify(context.Background()))
	st := fx.facade.State()
	assert.Equal(t, ModeSimulation, st.Mode)
	assert.False(t, st.Verified)
}

func TestFacade_SimulatedSend(t *testing.T) {
	fx := newFixture(t, nil)

	res, err := fx.facade.Send(context.Background(), chat.SendRequest{To: "54 9 11 3556-2673", Content: "Pedido listo"})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.True(t, res.Delivered)
	assert.True(t, res.Simulated)
	assert.Equal(t, "simulation", res.Mode)
	assert.Equal(t, "sim_id1", res.MessageID)

	require.Contains(t, fx.log.msgs, "sim_id1")
	assert.Equal(t, "+5491135562673", fx.log.msgs["sim_id1"].ConversationKey)
	assert.Equal(t, chat.DirectionSent, fx.log.msgs["sim_id1"].Direction)

	events := fx.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, chat.EventMessage, events[0].Type)
	assert.Equal(t, "+5491135562673", events[0].Key())
}

func TestFacade_ProductionSend(t *testing.T) {
	tr := &fakeTransport{configured: true}
	fx := newFixture(t, tr)
	require.NoError(t, fx.facade.Verify(context.Background()))

	res, err := fx.facade.Send(context.Background(), chat.SendRequest{To: "+5491135562673", Content: "Hola"})
	require.NoError(t, err)

	assert.False(t, res.Simulated)
	assert.Equal(t, "production", res.Mode)
	assert.Equal(t, "wamid.1", res.MessageID)
	require.Len(t, tr.sends, 1)
	assert.Equal(t, KindText, tr.sends[0].Kind)
	assert.True(t, fx.facade.Status().Verified)
}

func TestFacade_FailedSendFallsBackAndSticks(t *testing.T) {
	tr := &fakeTransport{configured: true}
	fx := newFixture(t, tr)
	require.NoError(t, fx.facade.Verify(context.Background()))
	tr.sendErr = errors.New("provider returned 500")

	res, err := fx.facade.Send(context.Background(), chat.SendRequest{To: "+5491135562673", Content: "uno"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Simulated)
	assert.Equal(t, "simulation", res.Mode)
	assert.Equal(t, 1, tr.sendCount())

	st := fx.facade.Status()
	assert.Equal(t, "simulation", st.Mode)
	assert.False(t, st.Verified)

	// Fixing the provider does not bring the facade back by itself.
	tr.sendErr = nil
	res, err = fx.facade.Send(context.Background(), chat.SendRequest{To: "+5491135562673", Content: "dos"})
	require.NoError(t, err)
	assert.True(t, res.Simulated)
	assert.Equal(t, 1, tr.sendCount())

	require.NoError(t, fx.facade.Verify(context.Background()))
	res, err = fx.facade.Send(context.Background(), chat.SendRequest{To: "+5491135562673", Content: "tres"})
	require.NoError(t, err)
	assert.False(t, res.Simulated)
}

func TestFacade_CancelledCallerDoesNotChangeMode(t *testing.T) {
	fx := newFixture(t, &fakeTransport{configured: true})
	require.NoError(t, fx.facade.Verify(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := fx.facade.Send(ctx, chat.SendRequest{To: "+54 9 11 3556-2673", Content: "hola"})
	require.NoError(t, err)

	assert.False(t, res.Simulated)
	assert.Equal(t, "wamid.1", res.MessageID)
	assert.True(t, fx.facade.State().Production())
	assert.True(t, fx.facade.State().Verified)
}

func TestFacade_SendRejectsInvalidInput(t *testing.T) {
	fx := newFixture(t, nil)

	for name, req := range map[string]chat.SendRequest{
		"no recipient": {Content: "hola"},
		"no digits":    {To: "abc", Content: "hola"},
		"no content":   {To: "+5491135562673"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := fx.facade.Send(context.Background(), req)
			assert.ErrorIs(t, err, chat.ErrInvalidInput)
		})
	}
	assert.Empty(t, fx.events.all())
}

func TestFacade_DocumentSendAllowsEmptyContent(t *testing.T) {
	tr := &fakeTransport{configured: true}
	fx := newFixture(t, tr)
	require.NoError(t, fx.facade.Verify(context.Background()))

	res, err := fx.facade.Send(context.Background(), chat.SendRequest{
		To:           "+5491135562673",
		DocumentURL:  "https://example.com/menu.pdf",
		DocumentName: "menu.pdf",
	})
	require.NoError(t, err)
	assert.True(t, res.Message.HasAttachment())
	assert.Equal(t, KindDocument, tr.sends[0].Kind)
}

func TestFacade_PersistenceFailureIsSwallowed(t *testing.T) {
	fx := newFixture(t, nil)
	fx.log.saveErr = errors.New("disk full")

	res, err := fx.facade.Send(context.Background(), chat.SendRequest{To: "+5491135562673", Content: "hola"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, fx.events.all(), 1)
}

func TestFacade_SendTemplate(t *testing.T) {
	tr := &fakeTransport{configured: true}
	fx := newFixture(t, tr)
	require.NoError(t, fx.facade.Verify(context.Background()))

	res, err := fx.facade.SendTemplate(context.Background(), chat.TemplateRequest{
		To:         "+5491135562673",
		Template:   "pedido_confirmado",
		Parameters: []string{"Juan", "#42"},
	})
	require.NoError(t, err)
	assert.Equal(t, "[pedido_confirmado] Juan · #42", res.Message.Content)
	require.Len(t, tr.sends, 1)
	assert.Equal(t, KindTemplate, tr.sends[0].Kind)
	assert.Equal(t, "es", tr.sends[0].Language)

	_, err = fx.facade.SendTemplate(context.Background(), chat.TemplateRequest{To: "+5491135562673"})
	assert.ErrorIs(t, err, chat.ErrInvalidInput)
}

func TestFacade_ReceiveInbound(t *testing.T) {
	fx := newFixture(t, nil)
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	msg, err := fx.facade.ReceiveInbound(context.Background(), chat.InboundEvent{
		ID:        "wamid.in",
		From:      "5491135562673",
		Content:   "¿Tienen mesa?",
		Timestamp: ts,
	})
	require.NoError(t, err)
	assert.Equal(t, "+5491135562673", msg.ConversationKey)
	assert.Equal(t, chat.DirectionReceived, msg.Direction)
	assert.Equal(t, chat.StateDelivered, msg.DeliveryState)
	assert.True(t, msg.Timestamp.Equal(ts))

	events := fx.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, "wamid.in", events[0].MessageID)

	msg, err = fx.facade.ReceiveInbound(context.Background(), chat.InboundEvent{From: "+1 555 0100", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "in_id1", msg.ID)
	assert.False(t, msg.Timestamp.IsZero())

	_, err = fx.facade.ReceiveInbound(context.Background(), chat.InboundEvent{From: "+1 555 0100"})
	assert.ErrorIs(t, err, chat.ErrInvalidInput)
}

func TestFacade_ApplyStatusPublishesOnlyForwardMoves(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	res, err := fx.facade.Send(ctx, chat.SendRequest{To: "+5491135562673", Content: "hola"})
	require.NoError(t, err)

	require.NoError(t, fx.facade.ApplyStatus(ctx, chat.StatusUpdate{MessageID: res.MessageID, State: chat.StateRead}))
	require.NoError(t, fx.facade.ApplyStatus(ctx, chat.StatusUpdate{MessageID: res.MessageID, State: chat.StateDelivered}))
	require.NoError(t, fx.facade.ApplyStatus(ctx, chat.StatusUpdate{MessageID: "unknown", State: chat.StateRead}))
	require.NoError(t, fx.facade.ApplyStatus(ctx, chat.StatusUpdate{MessageID: res.MessageID, Recipient: "+44 20 7946 0000", State: chat.StateFailed}))

	events := fx.events.all()
	require.Len(t, events, 2)
	assert.Equal(t, chat.EventStatus, events[1].Type)
	assert.Equal(t, chat.StateRead, events[1].DeliveryState)
}

func TestFacade_ApplyStatusMatchesRecipient(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	res, err := fx.facade.Send(ctx, chat.SendRequest{To: "+54 9 11 3556-2673", Content: "hola"})
	require.NoError(t, err)

	// Providers report the recipient without the leading '+'.
	require.NoError(t, fx.facade.ApplyStatus(ctx, chat.StatusUpdate{MessageID: res.MessageID, Recipient: "5491135562673", State: chat.StateDelivered}))

	events := fx.events.all()
	require.Len(t, events, 2)
	assert.Equal(t, "+5491135562673", events[1].ConversationKey)
	assert.Equal(t, chat.StateDelivered, events[1].DeliveryState)
}

func TestFacade_ReceiveWebhook(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	res, err := fx.facade.Send(ctx, chat.SendRequest{To: "+5491135562673", Content: "hola"})
	require.NoError(t, err)

	body := fmt.Sprintf(`{"object":"whatsapp_business_account","entry":[{"changes":[{"field":"messages","value":{
		"messages":[{"id":"wamid.A","from":"5491135562673","timestamp":"1709287200","type":"text","text":{"body":"Gracias"}}],
		"statuses":[{"id":%q,"status":"delivered","timestamp":"1709287201","recipient_id":"5491135562673"}]
	}}]}]}`, res.MessageID)

	n, err := fx.facade.ReceiveWebhook(ctx, []byte(body))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, chat.StateDelivered, fx.log.msgs[res.MessageID].DeliveryState)

	_, err = fx.facade.ReceiveWebhook(ctx, []byte("not json"))
	assert.ErrorIs(t, err, chat.ErrInvalidInput)
}

func TestFacade_SimulationDelayHonorsContext(t *testing.T) {
	f, err := New(
		WithMessageLog(newMemLog()),
		WithPublisher(&recorder{}),
		WithLogger(quietLogger()),
		WithSimulationDelay(time.Hour),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	res, err := f.Send(ctx, chat.SendRequest{To: "+1", Content: "x"})
	require.NoError(t, err)
	assert.True(t, res.Simulated)
	assert.Less(t, time.Since(start), time.Minute)
}
