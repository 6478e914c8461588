// Package events talks to the external event server, the single authority
// for live schedules and delivery workers. This core only persists job
// descriptors, enqueues event requests, and pokes the server via REST; the
// server owns dispatch semantics.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/convoops/go-callback-backend/internal/apperr"
)

// Client is the REST client for the event server. All calls are synchronous
// with a short timeout; non-2xx responses surface as SchedulerError and the
// caller performs compensating deletes.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Dispatch asks the server to reload and schedule the stored job.
func (c *Client) Dispatch(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodGet, fmt.Sprintf("%s/api/events/dispatch/%s", c.baseURL, id), nil)
}

// Cancel removes a live schedule by id.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, fmt.Sprintf("%s/api/events/%s", c.baseURL, id), nil)
}

// EnqueueRequest is the body for event enqueue calls.
type EnqueueRequest struct {
	Data        map[string]any `json:"data,omitempty"`
	IsScheduled bool           `json:"is_scheduled,omitempty"`
	CronExp     string         `json:"cron_exp,omitempty"`
	RunAt       string         `json:"run_at,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
	Method      string         `json:"method,omitempty"` // "PUT" for updates
}

// Enqueue submits an event of the given class for execution or scheduling.
func (c *Client) Enqueue(ctx context.Context, eventClass string, req EnqueueRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return c.call(ctx, http.MethodPost, fmt.Sprintf("%s/api/events/%s", c.baseURL, eventClass), body)
}

func (c *Client) call(ctx context.Context, method, url string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return apperr.Wrap(apperr.KindScheduler, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindScheduler, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return apperr.New(apperr.KindScheduler, "event server returned %d: %s", resp.StatusCode, string(raw))
	}
	return nil
}
