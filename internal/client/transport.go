package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"gastro-chat/internal/chat"

	"github.com/gorilla/websocket"
)

// Stream yields hub events from one open connection.
type Stream interface {
	// Next blocks for the next event. Any error ends the stream.
	Next() (chat.Event, error)
	Close() error
}

// Transport opens streams to the server. Cancelling ctx ends the stream.
type Transport interface {
	Dial(ctx context.Context) (Stream, error)
}

// SSETransport subscribes through GET /api/stream.
type SSETransport struct {
	BaseURL      string
	Token        func() string
	Conversation string
	HTTPClient   *http.Client
}

func (t *SSETransport) Dial(ctx context.Context) (Stream, error) {
	u, err := streamURL(t.BaseURL, "/api/stream", t.token(), t.Conversation)
	if err != nil {
		return nil, err
	}
	// ctx bounds the whole stream, not just the handshake.
	sctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(sctx, http.MethodGet, u, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("stream: unexpected status %d", resp.StatusCode)
	}
	return &sseStream{body: resp.Body, reader: bufio.NewReader(resp.Body), cancel: cancel}, nil
}

func (t *SSETransport) token() string {
	if t.Token == nil {
		return ""
	}
	return t.Token()
}

type sseStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	cancel context.CancelFunc
}

// Next reads one "data: <json>" frame. Comment and other field lines are skipped.
func (s *sseStream) Next() (chat.Event, error) {
	var data bytes.Buffer
	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return chat.Event{}, io.ErrUnexpectedEOF
			}
			return chat.Event{}, err
		}
		line = bytes.TrimRight(line, "\r\n")

		if len(line) == 0 {
			if data.Len() == 0 {
				continue
			}
			var ev chat.Event
			if err := json.Unmarshal(data.Bytes(), &ev); err != nil {
				return chat.Event{}, fmt.Errorf("stream: bad frame: %w", err)
			}
			return ev, nil
		}
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(bytes.TrimPrefix(rest, []byte(" ")))
		}
	}
}

func (s *sseStream) Close() error {
	s.cancel()
	return s.body.Close()
}

// WebSocketTransport subscribes through GET /ws.
type WebSocketTransport struct {
	BaseURL      string
	Token        func() string
	Conversation string
	Dialer       *websocket.Dialer
}

func (t *WebSocketTransport) Dial(ctx context.Context) (Stream, error) {
	token := ""
	if t.Token != nil {
		token = t.Token()
	}
	u, err := streamURL(t.BaseURL, "/ws", token, t.Conversation)
	if err != nil {
		return nil, err
	}
	u = "ws" + strings.TrimPrefix(u, "http")

	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket: status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Next() (chat.Event, error) {
	var ev chat.Event
	err := s.conn.ReadJSON(&ev)
	return ev, err
}

func (s *wsStream) Close() error { return s.conn.Close() }

func streamURL(base, path, token, conversation string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + path)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	if conversation != "" {
		q.Set("conversation", conversation)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
