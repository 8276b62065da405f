package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"gastro-chat/internal/identity"

	"github.com/go-chi/chi/v5"
)

const maxWebhookBody = 1 << 20

// MessageStore is the part of the durable log the HTTP layer reads.
type MessageStore interface {
	GetMessages(ctx context.Context, conversationKey string) ([]*Message, error)
	ListConversations(ctx context.Context) ([]ConversationSummary, error)
	MarkRead(ctx context.Context, conversationKey string) (int64, error)
}

// Provider is the messaging facade the handlers drive.
type Provider interface {
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
	SendTemplate(ctx context.Context, req TemplateRequest) (*SendResult, error)
	ReceiveInbound(ctx context.Context, ev InboundEvent) (*Message, error)
	ReceiveWebhook(ctx context.Context, body []byte) (int, error)
	Verify(ctx context.Context) error
	Status() ProviderStatus
}

type HandlerConfig struct {
	// VerifyToken answers the provider's webhook subscription challenge.
	VerifyToken string
	// AppSecret, when set, is used to check X-Hub-Signature-256 on webhooks.
	AppSecret string
	// Heartbeat is the interval of connection-confirmation frames.
	Heartbeat time.Duration
	Logger    *slog.Logger
}

type Handler struct {
	hub       *Hub
	publisher Publisher
	store     MessageStore
	provider  Provider
	cfg       HandlerConfig
	log       *slog.Logger
}

// NewHandler wires the HTTP surface. publisher is where read events go; it is
// usually the relay bridge so other instances see them too.
func NewHandler(hub *Hub, publisher Publisher, store MessageStore, provider Provider, cfg HandlerConfig) *Handler {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		hub:       hub,
		publisher: publisher,
		store:     store,
		provider:  provider,
		cfg:       cfg,
		log:       cfg.Logger,
	}
}

// SendMessage handles POST /api/messages. Provider failures never reach the
// caller; only malformed input is rejected.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	res, err := h.provider.Send(r.Context(), req)
	h.writeSendResult(w, res, err)
}

// SendTemplate handles POST /api/messages/template.
func (h *Handler) SendTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	res, err := h.provider.SendTemplate(r.Context(), req)
	h.writeSendResult(w, res, err)
}

func (h *Handler) writeSendResult(w http.ResponseWriter, res *SendResult, err error) {
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error("send failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "send failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetChatHistory handles GET /api/messages?conversation=.
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	key, err := identity.Require(r.URL.Query().Get("conversation"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "conversation is required")
		return
	}
	msgs, err := h.store.GetMessages(r.Context(), key)
	if err != nil {
		h.log.Error("load history", slog.String("conversation", key), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "could not load history")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// ListConversations handles GET /api/conversations.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.store.ListConversations(r.Context())
	if err != nil {
		h.log.Error("list conversations", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "could not list conversations")
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

// MarkRead handles POST /api/conversations/{key}/read. The store write is
// best effort; the read event is published regardless so every open view
// resets its unread count.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	key, err := identity.Require(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "conversation is required")
		return
	}
	if _, err := h.store.MarkRead(r.Context(), key); err != nil {
		h.log.Warn("mark read not persisted", slog.String("conversation", key), slog.Any("error", err))
	}
	h.publisher.Publish(ReadEvent(key))
	w.WriteHeader(http.StatusNoContent)
}

type statusResponse struct {
	ProviderStatus
	Subscribers int `json:"subscribers"`
}

// Status handles GET /api/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		ProviderStatus: h.provider.Status(),
		Subscribers:    h.hub.Stats().Subscribers,
	})
}

// VerifyProvider handles POST /api/provider/verify: a live credential check
// that moves the provider back to production when it passes.
func (h *Handler) VerifyProvider(w http.ResponseWriter, r *http.Request) {
	if err := h.provider.Verify(r.Context()); err != nil {
		h.log.Warn("provider verification failed", slog.Any("error", err))
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":  err.Error(),
			"status": h.provider.Status(),
		})
		return
	}
	writeJSON(w, http.StatusOK, h.provider.Status())
}

// SimulateInbound handles POST /api/simulate/inbound: a local stand-in for
// the provider webhook that goes through the same receive path.
func (h *Handler) SimulateInbound(w http.ResponseWriter, r *http.Request) {
	var ev InboundEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	msg, err := h.provider.ReceiveInbound(r.Context(), ev)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "could not receive message")
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// VerifyWebhook handles the provider's GET subscription challenge.
func (h *Handler) VerifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if h.cfg.VerifyToken == "" || q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != h.cfg.VerifyToken {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, q.Get("hub.challenge"))
}

// ReceiveWebhook handles POST /webhook from the provider.
func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	if h.cfg.AppSecret != "" && !validSignature(h.cfg.AppSecret, body, r.Header.Get(signatureHeader)) {
		h.log.Warn("webhook signature mismatch", slog.String("remote", r.RemoteAddr))
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	n, err := h.provider.ReceiveWebhook(r.Context(), body)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// Acknowledge anyway: the provider would only redeliver the same payload.
		h.log.Error("webhook processing", slog.Any("error", err))
	}
	writeJSON(w, http.StatusOK, map[string]int{"received": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
