// Package telegram is a thin Bot API send client used by the callback
// dispatcher for tickets originating on Telegram channels.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client sends messages through the Telegram Bot API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New builds a client for the given bot token.
func New(token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: "https://api.telegram.org",
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// SendMessage posts a text message to the chat. The outcome mirrors the
// WhatsApp clients: transport errors resolve to a failed result.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) (bool, int, map[string]any) {
	payload := map[string]any{"chat_id": chatID, "text": text}
	return c.call(ctx, "sendMessage", payload)
}

// SendRaw passes a caller-built payload straight to sendMessage, filling
// in chat_id when absent. Used for scripted custom keyboards and markup.
func (c *Client) SendRaw(ctx context.Context, chatID string, payload map[string]any) (bool, int, map[string]any) {
	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	if _, ok := body["chat_id"]; !ok {
		body["chat_id"] = chatID
	}
	return c.call(ctx, "sendMessage", body)
}

func (c *Client) call(ctx context.Context, method string, payload map[string]any) (bool, int, map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, 500, map[string]any{"error": err.Error()}
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return false, 500, map[string]any{"error": err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, 500, map[string]any{"error": err.Error()}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	parsed := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err != nil {
			parsed = map[string]any{"raw": string(body)}
		}
	}
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	return ok, resp.StatusCode, parsed
}
