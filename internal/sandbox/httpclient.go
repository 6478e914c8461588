// Restricted HTTP client handle exposed to scripts.

package sandbox

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"
)

// HTTPResponse is the value scripts receive from the injected client.
// Results normalize to the textual body when returned from a script.
type HTTPResponse struct {
	StatusCode int    `json:"status_code"`
	Text       string `json:"text"`
}

// JSON decodes the body as JSON; scripts use it for structured responses.
func (r *HTTPResponse) JSON() (any, error) {
	var v any
	err := json.Unmarshal([]byte(r.Text), &v)
	return v, err
}

// HTTPClient is the curated outbound HTTP handle. Responses are fully read
// and capped; there is no streaming surface.
type HTTPClient struct {
	client  *http.Client
	maxBody int64
}

// NewHTTPClient builds a handle with a per-call timeout.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		client:  &http.Client{Timeout: timeout},
		maxBody: 4 << 20,
	}
}

// Get issues a GET request with optional headers.
func (c *HTTPClient) Get(url string, headers map[string]string) (*HTTPResponse, error) {
	return c.do(http.MethodGet, url, nil, headers)
}

// Post issues a POST request with a JSON body and optional headers.
func (c *HTTPClient) Post(url string, body any, headers map[string]string) (*HTTPResponse, error) {
	return c.do(http.MethodPost, url, body, headers)
}

// Put issues a PUT request with a JSON body and optional headers.
func (c *HTTPClient) Put(url string, body any, headers map[string]string) (*HTTPResponse, error) {
	return c.do(http.MethodPut, url, body, headers)
}

// Delete issues a DELETE request with optional headers.
func (c *HTTPClient) Delete(url string, headers map[string]string) (*HTTPResponse, error) {
	return c.do(http.MethodDelete, url, nil, headers)
}

func (c *HTTPClient) do(method, url string, body any, headers map[string]string) (*HTTPResponse, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return nil, err
	}
	return &HTTPResponse{StatusCode: resp.StatusCode, Text: string(raw)}, nil
}
