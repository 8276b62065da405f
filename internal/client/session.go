package client

import (
	"context"
	"log/slog"

	"gastro-chat/internal/chat"
	"gastro-chat/internal/conversation"
	"gastro-chat/internal/identity"
)

// Session is one dashboard tab: an API client, the conversation view and the
// subscriptions feeding it.
type Session struct {
	API      *API
	View     *conversation.ViewModel
	Registry *Registry
	log      *slog.Logger
}

type SessionConfig struct {
	// WebSocket selects /ws instead of /api/stream.
	WebSocket bool
	Policy    Policy
	Scheduler Scheduler
	OnStatus  func(key string, st State)
	Persister conversation.Persister
	Logger    *slog.Logger
}

func NewSession(api *API, cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = RealScheduler
	}
	if cfg.Policy == (Policy{}) {
		cfg.Policy = DefaultPolicy()
	}

	view := conversation.NewViewModel(nil,
		conversation.WithReadMarker(api),
		conversation.WithPersister(cfg.Persister),
		conversation.WithLogger(cfg.Logger),
	)
	s := &Session{API: api, View: view, log: cfg.Logger}

	s.Registry = NewRegistry(func(key string) *Subscription {
		var tr Transport = api.StreamTransport(key)
		if cfg.WebSocket {
			tr = api.WebSocketTransport(key)
		}
		opts := []Option{
			WithPolicy(cfg.Policy),
			WithScheduler(cfg.Scheduler),
			WithLogger(cfg.Logger.With(slog.String("subscription", key))),
		}
		if cfg.OnStatus != nil {
			opts = append(opts, WithOnStatus(func(st State) { cfg.OnStatus(key, st) }))
		}
		return NewSubscription(tr, ViewHandler(view), opts...)
	})
	return s
}

// Start restores the local cache and opens the global subscription.
func (s *Session) Start(ctx context.Context) error {
	if err := s.View.Restore(ctx); err != nil {
		s.log.Warn("view cache not restored", slog.Any("error", err))
	}
	_, err := s.Registry.Open("")
	return err
}

// Open makes raw the active conversation: history is loaded, unread is
// cleared and a per-contact subscription replaces the previous one.
func (s *Session) Open(ctx context.Context, raw string) error {
	key, err := identity.Require(raw)
	if err != nil {
		return err
	}
	if err := s.View.Register(key); err != nil {
		return err
	}
	history, err := s.API.History(ctx, key)
	if err != nil {
		s.log.Warn("history not loaded", slog.String("conversation", key), slog.Any("error", err))
	}
	for _, m := range history {
		s.View.Merge(m)
	}
	s.View.SetActive(key)
	_, err = s.Registry.Open(key)
	return err
}

// Send posts a message and merges the confirmation right away. The same
// message arriving later through the stream is a no-op.
func (s *Session) Send(ctx context.Context, to, content string) (*chat.SendResult, error) {
	res, err := s.API.Send(ctx, chat.SendRequest{To: to, Content: content})
	if err != nil {
		return nil, err
	}
	if res.Message != nil {
		s.View.Merge(*res.Message)
	}
	return res, nil
}

func (s *Session) Close() {
	s.Registry.CloseAll()
	s.View.Wait()
}
