// Package meta is a thin Graph API send client covering Facebook
// Messenger and Instagram Direct, used by the callback dispatcher for
// tickets on Meta-owned channels.
package meta

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client sends messages through the Meta Graph API.
type Client struct {
	baseURL     string
	apiVersion  string
	accessToken string
	appSecret   string
	http        *http.Client
}

// New builds a Graph API client. appSecret is optional and enables the
// appsecret_proof query parameter.
func New(apiVersion, accessToken, appSecret string, timeout time.Duration) *Client {
	if apiVersion == "" {
		apiVersion = "19.0"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:     "https://graph.facebook.com",
		apiVersion:  apiVersion,
		accessToken: accessToken,
		appSecret:   appSecret,
		http:        &http.Client{Timeout: timeout},
	}
}

// SendText delivers a text message to the recipient PSID.
func (c *Client) SendText(ctx context.Context, recipientID, text string) (bool, int, map[string]any) {
	payload := map[string]any{
		"recipient":      map[string]any{"id": recipientID},
		"messaging_type": "RESPONSE",
		"message":        map[string]any{"text": text},
	}
	return c.post(ctx, "/me/messages", payload)
}

func (c *Client) post(ctx context.Context, path string, payload map[string]any) (bool, int, map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, 500, map[string]any{"error": err.Error()}
	}
	url := fmt.Sprintf("%s/v%s%s?access_token=%s", c.baseURL, c.apiVersion, path, c.accessToken)
	if c.appSecret != "" {
		mac := hmac.New(sha256.New, []byte(c.appSecret))
		mac.Write([]byte(c.accessToken))
		url += "&appsecret_proof=" + hex.EncodeToString(mac.Sum(nil))
	}
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
