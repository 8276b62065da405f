package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gastro-chat/internal/identity"
)

const DefaultCloudAPIURL = "https://graph.facebook.com/v19.0"

type OutboundKind string

const (
	KindText     OutboundKind = "text"
	KindDocument OutboundKind = "document"
	KindTemplate OutboundKind = "template"
)

// Outbound is one message handed to a Transport. To is a canonical key.
type Outbound struct {
	To           string
	Kind         OutboundKind
	Text         string
	DocumentURL  string
	DocumentName string
	Template     string
	Language     string
	Parameters   []string
}

// Transport talks to the real messaging provider.
type Transport interface {
	// Configured reports whether credentials are present.
	Configured() bool
	// Verify performs a live credential check.
	Verify(ctx context.Context) error
	// Send delivers out and returns the provider message id.
	Send(ctx context.Context, out Outbound) (string, error)
}

type CloudConfig struct {
	BaseURL       string
	PhoneNumberID string
	Token         string
	Timeout       time.Duration
	HTTPClient    *http.Client
}

// CloudTransport speaks the WhatsApp Business Cloud API.
type CloudTransport struct {
	cfg    CloudConfig
	client *http.Client
}

func NewCloudTransport(cfg CloudConfig) *CloudTransport {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultCloudAPIURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &CloudTransport{cfg: cfg, client: client}
}

func (t *CloudTransport) Configured() bool {
	return t.cfg.Token != "" && t.cfg.PhoneNumberID != ""
}

func (t *CloudTransport) Verify(ctx context.Context) error {
	if !t.Configured() {
		return ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.BaseURL+"/"+t.cfg.PhoneNumberID+"?fields=id", nil)
	if err != nil {
		return err
	}
	resp, err := t.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

type cloudText struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type cloudDocument struct {
	Link     string `json:"link"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

type cloudTemplateParam struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type cloudTemplateComponent struct {
	Type       string               `json:"type"`
	Parameters []cloudTemplateParam `json:"parameters"`
}

type cloudTemplate struct {
	Name     string `json:"name"`
	Language struct {
		Code string `json:"code"`
	} `json:"language"`
	Components []cloudTemplateComponent `json:"components,omitempty"`
}

type cloudSendRequest struct {
	MessagingProduct string         `json:"messaging_product"`
	RecipientType    string         `json:"recipient_type"`
	To               string         `json:"to"`
	Type             OutboundKind   `json:"type"`
	Text             *cloudText     `json:"text,omitempty"`
	Document         *cloudDocument `json:"document,omitempty"`
	Template         *cloudTemplate `json:"template,omitempty"`
}

type cloudSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (t *CloudTransport) Send(ctx context.Context, out Outbound) (string, error) {
	if !t.Configured() {
		return "", ErrNotConfigured
	}
	payload := cloudSendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               identity.Digits(out.To),
		Type:             out.Kind,
	}
	switch out.Kind {
	case KindDocument:
		payload.Document = &cloudDocument{Link: out.DocumentURL, Filename: out.DocumentName, Caption: out.Text}
	case KindTemplate:
		tpl := &cloudTemplate{Name: out.Template}
		tpl.Language.Code = out.Language
		if len(out.Parameters) > 0 {
			params := make([]cloudTemplateParam, 0, len(out.Parameters))
			for _, p := range out.Parameters {
				params = append(params, cloudTemplateParam{Type: "text", Text: p})
			}
			tpl.Components = []cloudTemplateComponent{{Type: "body", Parameters: params}}
		}
		payload.Template = tpl
	default:
		payload.Type = KindText
		payload.Text = &cloudText{Body: out.Text}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+"/"+t.cfg.PhoneNumberID+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var res cloudSendResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("decode send response: %w", err)
	}
	if len(res.Messages) == 0 || res.Messages[0].ID == "" {
		return "", errors.New("provider returned no message id")
	}
	return res.Messages[0].ID, nil
}

// do authorizes req and turns non-2xx answers into errors.
func (t *CloudTransport) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+t.cfg.Token)
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	return resp, nil
}

// StatusError is a non-2xx provider answer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.Code, e.Body)
}
