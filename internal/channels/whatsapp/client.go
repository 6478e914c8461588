// Package whatsapp implements the provider abstraction for outbound
// WhatsApp messaging with three variants sharing one envelope: the Meta
// Cloud API, the 360Dialog BSP, and the self-hosted On-Premise API.
//
// Transport outcomes never raise: every send resolves to a SendResult
// carrying (success, status_code, response body or error). Retries are
// transport-level only — exponential backoff on a configurable set of
// status codes, bounded by a maximum elapsed time.
package whatsapp

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

	"github.com/cenkalti/backoff/v4"

	"github.com/convoops/go-callback-backend/internal/apperr"
)

// Messaging types accepted on the wire. Anything else is rejected locally
// before dispatch.
var validMessagingTypes = map[string]struct{}{
	"text": {}, "image": {}, "video": {}, "audio": {},
	"location": {}, "contacts": {}, "interactive": {}, "template": {},
}

// SendResult is the normalized outcome of one provider call.
type SendResult struct {
	Success    bool
	StatusCode int
	Body       map[string]any
}

// MessageID extracts the provider message id, when present.
func (r *SendResult) MessageID() string {
	msgs, ok := r.Body["messages"].([]any)
	if !ok || len(msgs) == 0 {
		return ""
	}
	first, ok := msgs[0].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := first["id"].(string)
	return id
}

// HasErrors reports whether the provider response carries an error payload.
func (r *SendResult) HasErrors() bool {
	if !r.Success {
		return true
	}
	if _, ok := r.Body["error"]; ok {
		return true
	}
	if _, ok := r.Body["errors"]; ok {
		return true
	}
	return false
}

// Client is the outbound WhatsApp surface used by the dispatcher and the
// broadcast engine.
type Client interface {
	// Send delivers one message of the given messaging type.
	Send(ctx context.Context, to, messagingType string, payload any) (*SendResult, error)
	// SendTemplate delivers a template message.
	SendTemplate(ctx context.Context, to, templateID, languageCode string, components any, namespace string) (*SendResult, error)
}

// RetryPolicy configures transport-level retry.
type RetryPolicy struct {
	MaxElapsed     time.Duration
	InitialBackoff time.Duration
	RequestTimeout time.Duration
	// RetryableStatus decides per status code; nil retries all 4xx-5xx.
	RetryableStatus func(code int) bool
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = 30 * time.Second
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 500 * time.Millisecond
	}
	if p.RequestTimeout <= 0 {
		p.RequestTimeout = 10 * time.Second
	}
	if p.RetryableStatus == nil {
		p.RetryableStatus = func(code int) bool { return code >= 400 && code <= 599 }
	}
	return p
}

type baseClient struct {
	http   *http.Client
	policy RetryPolicy
}

func newBaseClient(policy RetryPolicy) baseClient {
	p := policy.withDefaults()
	return baseClient{
		http:   &http.Client{Timeout: p.RequestTimeout},
		policy: p,
	}
}

// envelope builds the shared outbound message shape.
func envelope(to, messagingType string, payload any) (map[string]any, error) {
	if _, ok := validMessagingTypes[messagingType]; !ok {
		return nil, apperr.New(apperr.KindValidation, "unsupported messaging type %q", messagingType)
	}
	return map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              messagingType,
		messagingType:       payload,
	}, nil
}

// post sends the envelope with retry. Transport failures and exhausted
// retries resolve to a failed SendResult, never an error.
func (b *baseClient) post(ctx context.Context, url string, headers map[string]string, body map[string]any) *SendResult {
	raw, err := json.Marshal(body)
	if err != nil {
		return &SendResult{Success: false, StatusCode: 500, Body: map[string]any{"error": err.Error()}}
	}

	var result *SendResult
	operation := func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
		if reqErr != nil {
			return backoff.Permanent(reqErr)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, doErr := b.http.Do(req)
		if doErr != nil {
			return doErr // transport error, retryable
		}
		defer resp.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

		parsed := map[string]any{}
		if len(payload) > 0 {
			if jsonErr := json.Unmarshal(payload, &parsed); jsonErr != nil {
				parsed = map[string]any{"raw": string(payload)}
			}
		}
		result = &SendResult{
			Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
			StatusCode: resp.StatusCode,
			Body:       parsed,
		}
		if !result.Success && b.policy.RetryableStatus(resp.StatusCode) {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.policy.InitialBackoff
	bo.MaxElapsedTime = b.policy.MaxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil && result == nil {
		return &SendResult{Success: false, StatusCode: 500, Body: map[string]any{"error": err.Error()}}
	}
	return result
}

// templatePayload builds the template message body; namespace is included
// only when set.
func templatePayload(templateID, languageCode string, components any, namespace string) map[string]any {
	p := map[string]any{
		"name":     templateID,
		"language": map[string]any{"code": languageCode},
	}
	if components != nil {
		p["components"] = components
	}
	if namespace != "" {
		p["namespace"] = namespace
	}
	return p
}

// CloudClient talks to the Meta Cloud API.
type CloudClient struct {
	baseClient
	APIVersion    string
	PhoneNumberID string
	AccessToken   string
	AppSecret     string // optional; enables appsecret_proof
}

// NewCloudClient builds a Cloud API client.
func NewCloudClient(apiVersion, phoneNumberID, accessToken, appSecret string, policy RetryPolicy) *CloudClient {
	if apiVersion == "" {
		apiVersion = "19.0"
	}
	return &CloudClient{
		baseClient:    newBaseClient(policy),
		APIVersion:    apiVersion,
		PhoneNumberID: phoneNumberID,
		AccessToken:   accessToken,
		AppSecret:     appSecret,
	}
}

func (c *CloudClient) url() string {
	u := fmt.Sprintf("https://graph.facebook.com/v%s/%s/messages?access_token=%s",
		c.APIVersion, c.PhoneNumberID, c.AccessToken)
	if c.AppSecret != "" {
		mac := hmac.New(sha256.New, []byte(c.AppSecret))
		mac.Write([]byte(c.AccessToken))
		u += "&appsecret_proof=" + hex.EncodeToString(mac.Sum(nil))
	}
	return u
}

// Send implements Client.
func (c *CloudClient) Send(ctx context.Context, to, messagingType string, payload any) (*SendResult, error) {
	env, err := envelope(to, messagingType, payload)
	if err != nil {
		return nil, err
	}
	return c.post(ctx, c.url(), nil, env), nil
}

// SendTemplate implements Client. The Cloud API ignores namespaces.
func (c *CloudClient) SendTemplate(ctx context.Context, to, templateID, languageCode string, components any, _ string) (*SendResult, error) {
	return c.Send(ctx, to, "template", templatePayload(templateID, languageCode, components, ""))
}

// DialogClient talks to the 360Dialog BSP with header-based auth.
type DialogClient struct {
	baseClient
	BaseURL string
	APIKey  string
}

// NewDialogClient builds a 360Dialog client.
func NewDialogClient(baseURL, apiKey string, policy RetryPolicy) *DialogClient {
	if baseURL == "" {
		baseURL = "https://waba-v2.360dialog.io"
	}
	return &DialogClient{baseClient: newBaseClient(policy), BaseURL: baseURL, APIKey: apiKey}
}

func (c *DialogClient) headers() map[string]string {
	return map[string]string{"D360-API-KEY": c.APIKey}
}

// Send implements Client.
func (c *DialogClient) Send(ctx context.Context, to, messagingType string, payload any) (*SendResult, error) {
	env, err := envelope(to, messagingType, payload)
	if err != nil {
		return nil, err
	}
	return c.post(ctx, c.BaseURL+"/messages", c.headers(), env), nil
}

// SendTemplate implements Client.
func (c *DialogClient) SendTemplate(ctx context.Context, to, templateID, languageCode string, components any, namespace string) (*SendResult, error) {
	return c.Send(ctx, to, "template", templatePayload(templateID, languageCode, components, namespace))
}

// OnPremiseClient talks to a self-hosted WhatsApp Business API node.
// Namespace is mandatory for template sends.
type OnPremiseClient struct {
	baseClient
	BaseURL   string
	AuthToken string
}

// NewOnPremiseClient builds an on-premise client.
func NewOnPremiseClient(baseURL, authToken string, policy RetryPolicy) *OnPremiseClient {
	return &OnPremiseClient{baseClient: newBaseClient(policy), BaseURL: baseURL, AuthToken: authToken}
}

func (c *OnPremiseClient) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.AuthToken}
}

// Send implements Client.
func (c *OnPremiseClient) Send(ctx context.Context, to, messagingType string, payload any) (*SendResult, error) {
	env, err := envelope(to, messagingType, payload)
	if err != nil {
		return nil, err
	}
	return c.post(ctx, c.BaseURL+"/v1/messages", c.headers(), env), nil
}

// SendTemplate implements Client.
func (c *OnPremiseClient) SendTemplate(ctx context.Context, to, templateID, languageCode string, components any, namespace string) (*SendResult, error) {
	if namespace == "" {
		return nil, apperr.New(apperr.KindValidation, "namespace is required for on-premise templates")
	}
	return c.Send(ctx, to, "template", templatePayload(templateID, languageCode, components, namespace))
}

// FromChannelConfig builds the right client variant from a channel
// connector configuration document.
func FromChannelConfig(cfg map[string]any, policy RetryPolicy) (Client, error) {
	str := func(key string) string {
		v, _ := cfg[key].(string)
		return v
	}
	switch str("bsp_type") {
	case "360dialog":
		if str("api_key") == "" {
			return nil, apperr.New(apperr.KindValidation, "360dialog channel config missing api_key")
		}
		return NewDialogClient(str("base_url"), str("api_key"), policy), nil
	case "onpremise":
		if str("base_url") == "" {
			return nil, apperr.New(apperr.KindValidation, "on-premise channel config missing base_url")
		}
		return NewOnPremiseClient(str("base_url"), str("auth_token"), policy), nil
	default: // Meta Cloud API
		if str("phone_number_id") == "" || str("access_token") == "" {
			return nil, apperr.New(apperr.KindValidation, "cloud channel config missing phone_number_id or access_token")
		}
		return NewCloudClient(str("api_version"), str("phone_number_id"), str("access_token"), str("app_secret"), policy), nil
	}
}
