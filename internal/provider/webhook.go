package provider

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gastro-chat/internal/chat"
)

// Webhook is what one provider callback carried.
type Webhook struct {
	Inbound  []chat.InboundEvent
	Statuses []chat.StatusUpdate
}

type cloudEnvelope struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string     `json:"field"`
			Value cloudValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type cloudValue struct {
	Metadata struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Messages []cloudMessage `json:"messages"`
	Statuses []cloudStatus  `json:"statuses"`
}

type cloudMessage struct {
	ID        string       `json:"id"`
	From      string       `json:"from"`
	Timestamp flexTime     `json:"timestamp"`
	Type      string       `json:"type"`
	Text      *textBody    `json:"text"`
	Document  *cloudMedia  `json:"document"`
	Image     *cloudMedia  `json:"image"`
	Button    *cloudButton `json:"button"`
}

type textBody struct {
	Body string `json:"body"`
}

type cloudButton struct {
	Text    string `json:"text"`
	Payload string `json:"payload"`
}

type cloudMedia struct {
	ID       string `json:"id"`
	Link     string `json:"link"`
	Filename string `json:"filename"`
	Caption  string `json:"caption"`
}

type cloudStatus struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	Timestamp   flexTime `json:"timestamp"`
	RecipientID string   `json:"recipient_id"`
}

// flatMessage is the simplified shape used by relays and local tooling.
type flatMessage struct {
	ID           string    `json:"id"`
	MessageID    string    `json:"messageId"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Content      string    `json:"content"`
	Text         *textBody `json:"text"`
	DocumentURL  string    `json:"documentUrl"`
	DocumentName string    `json:"documentName"`
	Timestamp    flexTime  `json:"timestamp"`
}

// ParseWebhook accepts either the Cloud API envelope or a flat message
// object. Malformed bodies wrap chat.ErrInvalidInput.
func ParseWebhook(body []byte) (*Webhook, error) {
	var shape map[string]json.RawMessage
	if err := json.Unmarshal(body, &shape); err != nil {
		return nil, fmt.Errorf("%w: webhook body is not a JSON object", chat.ErrInvalidInput)
	}
	if _, ok := shape["entry"]; ok {
		return parseCloud(body)
	}
	return parseFlat(body)
}

func parseCloud(body []byte) (*Webhook, error) {
	var env cloudEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", chat.ErrInvalidInput, err)
	}
	out := &Webhook{}
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			to := change.Value.Metadata.DisplayPhoneNumber
			for _, m := range change.Value.Messages {
				out.Inbound = append(out.Inbound, m.inbound(to))
			}
			for _, s := range change.Value.Statuses {
				state := chat.DeliveryState(strings.ToLower(s.Status))
				if !state.Valid() {
					continue
				}
				out.Statuses = append(out.Statuses, chat.StatusUpdate{
					MessageID: s.ID,
					Recipient: s.RecipientID,
					State:     state,
					Timestamp: time.Time(s.Timestamp),
				})
			}
		}
	}
	return out, nil
}

func (m cloudMessage) inbound(to string) chat.InboundEvent {
	ev := chat.InboundEvent{
		ID:        m.ID,
		From:      m.From,
		To:        to,
		Timestamp: time.Time(m.Timestamp),
	}
	switch {
	case m.Text != nil:
		ev.Content = m.Text.Body
	case m.Document != nil:
		ev.DocumentURL = mediaRef(m.Document)
		ev.DocumentName = m.Document.Filename
		ev.Content = m.Document.Caption
	case m.Image != nil:
		ev.DocumentURL = mediaRef(m.Image)
		ev.Content = m.Image.Caption
	case m.Button != nil:
		ev.Content = m.Button.Text
	}
	if ev.Content == "" && ev.DocumentURL == "" && m.Type != "" {
		ev.Content = "[" + m.Type + "]"
	}
	return ev
}

func mediaRef(m *cloudMedia) string {
	if m.Link != "" {
		return m.Link
	}
	if m.ID != "" {
		return "media:" + m.ID
	}
	return ""
}

func parseFlat(body []byte) (*Webhook, error) {
	var fm flatMessage
	if err := json.Unmarshal(body, &fm); err != nil {
		return nil, fmt.Errorf("%w: %v", chat.ErrInvalidInput, err)
	}
	id := fm.ID
	if id == "" {
		id = fm.MessageID
	}
	content := fm.Content
	if content == "" && fm.Text != nil {
		content = fm.Text.Body
	}
	return &Webhook{Inbound: []chat.InboundEvent{{
		ID:           id,
		From:         fm.From,
		To:           fm.To,
		Content:      content,
		DocumentURL:  fm.DocumentURL,
		DocumentName: fm.DocumentName,
		Timestamp:    time.Time(fm.Timestamp),
	}}}, nil
}

// flexTime decodes unix seconds or milliseconds (as number or string) and
// RFC 3339 strings. Anything else decodes to the zero time.
type flexTime time.Time

func (t *flexTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			*t = flexTime(time.UnixMilli(n).UTC())
		} else {
			*t = flexTime(time.Unix(n, 0).UTC())
		}
		return nil
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		*t = flexTime(ts.UTC())
	}
	return nil
}
