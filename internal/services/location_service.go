// Package services – LocationService
//
// Best-effort IP geolocation for callback logs. Lookups go to the ipinfo
// REST API with a short timeout and a small in-process cache; any failure
// yields nil, never an error — a log row without a location is acceptable,
// a blocked callback is not.
package services

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// locationCacheMax bounds the per-process lookup cache; peers churn, so the
// cache is simply dropped when full.
const locationCacheMax = 4096

// LocationService resolves peer IPs to coarse geolocation data.
type LocationService struct {
	baseURL string
	token   string
	http    *http.Client

	mu    sync.Mutex
	cache map[string]map[string]any
}

// NewLocationService builds a resolver against the ipinfo API.
func NewLocationService(token string) *LocationService {
	return &LocationService{
		baseURL: "https://ipinfo.io",
		token:   token,
		http:    &http.Client{Timeout: 3 * time.Second},
		cache:   make(map[string]map[string]any),
	}
}

// Lookup returns geolocation data for ip, or nil when the IP is private,
// malformed, or the lookup fails.
func (s *LocationService) Lookup(ctx context.Context, ip string) map[string]any {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsUnspecified() {
		return nil
	}

	s.mu.Lock()
	cached, hit := s.cache[ip]
	s.mu.Unlock()
	if hit {
		return cached
	}

	u := s.baseURL + "/" + url.PathEscape(ip)
	if s.token != "" {
		u += "?token=" + url.QueryEscape(s.token)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil
	}

	s.mu.Lock()
	if len(s.cache) >= locationCacheMax {
		s.cache = make(map[string]map[string]any)
	}
	s.cache[ip] = data
	s.mu.Unlock()
	return data
}
