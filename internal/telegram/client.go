package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"clipflow/internal/delivery"
	"clipflow/internal/domain"
)

// Client talks to the Telegram Bot API and implements
// delivery.Destination. Failures come back classified so the sender
// knows whether to retry, wait, or give up.
type Client struct {
	base  string
	httpc *http.Client
}

type Config struct {
	Token   string
	BaseURL string // override for tests
	Timeout time.Duration
}

func New(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.telegram.org"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:  strings.TrimRight(base, "/") + "/bot" + cfg.Token,
		httpc: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Send(ctx context.Context, m delivery.Message) (delivery.Response, error) {
	switch m.Kind {
	case delivery.KindSend:
		if len(m.Media) > 0 {
			return c.sendSingleMedia(ctx, m)
		}
		return c.sendMessage(ctx, m)
	case delivery.KindSendGroup:
		return c.sendMediaGroup(ctx, m)
	case delivery.KindEditText:
		return c.editMessageText(ctx, m)
	case delivery.KindEditCaption:
		return c.editMessageCaption(ctx, m)
	default:
		return delivery.Response{}, &delivery.PermanentError{Description: fmt.Sprintf("unknown message kind %q", m.Kind)}
	}
}

func (c *Client) sendMessage(ctx context.Context, m delivery.Message) (delivery.Response, error) {
	payload := map[string]any{
		"chat_id": m.ChatID,
		"text":    m.Text,
	}
	if m.ParseMode != "" {
		payload["parse_mode"] = m.ParseMode
	}
	if len(m.Entities) > 0 {
		payload["entities"] = m.Entities
	}
	if m.ReplyTo != 0 {
		payload["reply_to_message_id"] = m.ReplyTo
	}
	if m.DisablePreview {
		payload["disable_web_page_preview"] = true
	}
	return c.call(ctx, "sendMessage", payload, nil)
}

func (c *Client) sendSingleMedia(ctx context.Context, m delivery.Message) (delivery.Response, error) {
	item := m.Media[0]
	method, field := "sendPhoto", "photo"
	if item.Type == "video" {
		method, field = "sendVideo", "video"
	}
	payload := map[string]any{"chat_id": m.ChatID}
	if m.Text != "" {
		payload["caption"] = m.Text
	}
	if m.ParseMode != "" {
		payload["parse_mode"] = m.ParseMode
	}
	if len(m.Entities) > 0 {
		payload["caption_entities"] = m.Entities
	}
	if m.ReplyTo != 0 {
		payload["reply_to_message_id"] = m.ReplyTo
	}
	var files map[string]string
	if item.Local() {
		files = map[string]string{field: item.Ref}
	} else {
		payload[field] = item.Ref
	}
	return c.call(ctx, method, payload, files)
}

func (c *Client) sendMediaGroup(ctx context.Context, m delivery.Message) (delivery.Response, error) {
	media := make([]map[string]any, len(m.Media))
	files := map[string]string{}
	for i, item := range m.Media {
		typ := item.Type
		if typ == "" {
			typ = "photo"
		}
		entry := map[string]any{"type": typ}
		if item.Local() {
			name := fmt.Sprintf("file%d", i)
			entry["media"] = "attach://" + name
			files[name] = item.Ref
		} else {
			entry["media"] = item.Ref
		}
		// The group caption goes on the first item only.
		if i == 0 && m.Text != "" {
			entry["caption"] = m.Text
			if m.ParseMode != "" {
				entry["parse_mode"] = m.ParseMode
			}
			if len(m.Entities) > 0 {
				entry["caption_entities"] = m.Entities
			}
		}
		media[i] = entry
	}
	payload := map[string]any{"chat_id": m.ChatID, "media": media}
	if m.ReplyTo != 0 {
		payload["reply_to_message_id"] = m.ReplyTo
	}
	if len(files) == 0 {
		files = nil
	}
	return c.call(ctx, "sendMediaGroup", payload, files)
}

func (c *Client) editMessageText(ctx context.Context, m delivery.Message) (delivery.Response, error) {
	payload := map[string]any{
		"chat_id":    m.ChatID,
		"message_id": m.MessageID,
		"text":       m.Text,
	}
	if m.ParseMode != "" {
		payload["parse_mode"] = m.ParseMode
	}
	if m.DisablePreview {
		payload["disable_web_page_preview"] = true
	}
	return c.call(ctx, "editMessageText", payload, nil)
}

func (c *Client) editMessageCaption(ctx context.Context, m delivery.Message) (delivery.Response, error) {
	payload := map[string]any{
		"chat_id":    m.ChatID,
		"message_id": m.MessageID,
		"caption":    m.Text,
	}
	if m.ParseMode != "" {
		payload["parse_mode"] = m.ParseMode
	}
	return c.call(ctx, "editMessageCaption", payload, nil)
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

type apiMessage struct {
	MessageID       int64           `json:"message_id"`
	Text            string          `json:"text"`
	Caption         string          `json:"caption"`
	Entities        []domain.Entity `json:"entities"`
	CaptionEntities []domain.Entity `json:"caption_entities"`
}

func (m apiMessage) response() delivery.Response {
	return delivery.Response{
		MessageID:       m.MessageID,
		Text:            m.Text,
		Caption:         m.Caption,
		Entities:        m.Entities,
		CaptionEntities: m.CaptionEntities,
	}
}

func (c *Client) call(ctx context.Context, method string, payload map[string]any, files map[string]string) (delivery.Response, error) {
	req, err := c.buildRequest(ctx, method, payload, files)
	if err != nil {
		return delivery.Response{}, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return delivery.Response{}, ctx.Err()
		}
		return delivery.Response{}, &delivery.TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return delivery.Response{}, &delivery.TransientError{Err: err}
	}

	var api apiResponse
	if err := json.Unmarshal(body, &api); err != nil {
		if resp.StatusCode >= 500 {
			return delivery.Response{}, &delivery.TransientError{Err: fmt.Errorf("http %d from %s", resp.StatusCode, method)}
		}
		return delivery.Response{}, &delivery.PermanentError{Code: resp.StatusCode, Description: "unparseable response"}
	}
	if !api.OK {
		switch {
		case api.Parameters != nil && api.Parameters.RetryAfter > 0:
			return delivery.Response{}, &delivery.RateLimitedError{RetryAfter: time.Duration(api.Parameters.RetryAfter) * time.Second}
		case api.ErrorCode == http.StatusTooManyRequests:
			return delivery.Response{}, &delivery.RateLimitedError{RetryAfter: time.Second}
		case api.ErrorCode >= 500, resp.StatusCode >= 500:
			return delivery.Response{}, &delivery.TransientError{Err: fmt.Errorf("telegram %d: %s", api.ErrorCode, api.Description)}
		default:
			return delivery.Response{}, &delivery.PermanentError{Code: api.ErrorCode, Description: api.Description}
		}
	}
	return parseResult(api.Result)
}

// parseResult accepts either a single message or, for media groups, an
// array of them (the first carries the caption).
func parseResult(raw json.RawMessage) (delivery.Response, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] == 't' || trimmed[0] == 'f' {
		// Some edits report plain true.
		return delivery.Response{}, nil
	}
	if trimmed[0] == '[' {
		var msgs []apiMessage
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			return delivery.Response{}, &delivery.PermanentError{Description: "unparseable result array"}
		}
		if len(msgs) == 0 {
			return delivery.Response{}, nil
		}
		return msgs[0].response(), nil
	}
	var msg apiMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return delivery.Response{}, &delivery.PermanentError{Description: "unparseable result"}
	}
	return msg.response(), nil
}

func (c *Client) buildRequest(ctx context.Context, method string, payload map[string]any, files map[string]string) (*http.Request, error) {
	url := c.base + "/" + method
	if len(files) == 0 {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, &delivery.PermanentError{Description: err.Error()}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, &delivery.PermanentError{Description: err.Error()}
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range payload {
		if s, ok := v.(string); ok {
			if err := w.WriteField(k, s); err != nil {
				return nil, &delivery.PermanentError{Description: err.Error()}
			}
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, &delivery.PermanentError{Description: err.Error()}
		}
		if err := w.WriteField(k, string(b)); err != nil {
			return nil, &delivery.PermanentError{Description: err.Error()}
		}
	}
	for name, path := range files {
		f, err := os.Open(path)
		if err != nil {
			// A vanished artifact will not come back on retry.
			return nil, &delivery.PermanentError{Description: fmt.Sprintf("open %s: %v", path, err)}
		}
		part, err := w.CreateFormFile(name, filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		f.Close()
		if err != nil {
			return nil, &delivery.PermanentError{Description: err.Error()}
		}
	}
	if err := w.Close(); err != nil {
		return nil, &delivery.PermanentError{Description: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, &delivery.PermanentError{Description: err.Error()}
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req, nil
}
