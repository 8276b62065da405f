package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"gastro-chat/internal/chat"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// ServerStatus is GET /api/status.
type ServerStatus struct {
	chat.ProviderStatus
	Subscribers int `json:"subscribers"`
}

// API calls the REST endpoints with the operator token.
type API struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

func NewAPI(baseURL string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &API{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (a *API) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

func (a *API) SetToken(tok string) {
	a.mu.Lock()
	a.token = tok
	a.mu.Unlock()
}

// Login exchanges operator credentials for a token and keeps it.
func (a *API) Login(ctx context.Context, username, password string) error {
	var res struct {
		AccessToken string `json:"access_token"`
	}
	body := map[string]string{"username": username, "password": password}
	if err := a.do(ctx, http.MethodPost, "/login", body, &res); err != nil {
		return err
	}
	a.SetToken(res.AccessToken)
	return nil
}

func (a *API) Send(ctx context.Context, req chat.SendRequest) (*chat.SendResult, error) {
	var res chat.SendResult
	if err := a.do(ctx, http.MethodPost, "/api/messages", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (a *API) History(ctx context.Context, key string) ([]chat.Message, error) {
	var res []chat.Message
	err := a.do(ctx, http.MethodGet, "/api/messages?conversation="+url.QueryEscape(key), nil, &res)
	return res, err
}

func (a *API) Conversations(ctx context.Context) ([]chat.ConversationSummary, error) {
	var res []chat.ConversationSummary
	err := a.do(ctx, http.MethodGet, "/api/conversations", nil, &res)
	return res, err
}

// MarkRead satisfies conversation.ReadMarker.
func (a *API) MarkRead(ctx context.Context, key string) error {
	return a.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(key)+"/read", nil, nil)
}

func (a *API) Status(ctx context.Context) (*ServerStatus, error) {
	var res ServerStatus
	if err := a.do(ctx, http.MethodGet, "/api/status", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SimulateInbound injects a message as if the contact had sent it.
func (a *API) SimulateInbound(ctx context.Context, ev chat.InboundEvent) (*chat.Message, error) {
	var res chat.Message
	if err := a.do(ctx, http.MethodPost, "/api/simulate/inbound", ev, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// StreamTransport subscribes over server-sent events.
func (a *API) StreamTransport(conversation string) *SSETransport {
	return &SSETransport{BaseURL: a.baseURL, Token: a.Token, Conversation: conversation}
}

// WebSocketTransport subscribes over /ws.
func (a *API) WebSocketTransport(conversation string) *WebSocketTransport {
	return &WebSocketTransport{BaseURL: a.baseURL, Token: a.Token, Conversation: conversation}
}

func (a *API) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := a.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(msg, &e) == nil && e.Error != "" {
			return &APIError{Status: resp.StatusCode, Message: e.Error}
		}
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
