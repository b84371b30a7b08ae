// Package gateway is the HTTP client for the per-tenant WhatsApp gateway
// instance: sending, snapshot fetches, read receipts and instance lifecycle.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultAvatarTTL = 30 * time.Minute
	maxErrorBody     = 64 << 10
)

// Options configures a Client.
type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	// RatePerSecond paces outbound calls; zero disables pacing.
	RatePerSecond float64
	Burst         int
	AvatarTTL     time.Duration
	// ProxyURL routes requests through an HTTP or SOCKS5 proxy when set.
	ProxyURL string
}

// Client talks to the gateway REST API. It is tenant-agnostic: every call
// names the Tenant it acts for.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	avatars *cache.Cache
	log     zerolog.Logger
}

// Error is a non-2xx gateway response.
type Error struct {
	Status  int
	Message string
	Path    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s: %d %s", e.Path, e.Status, e.Message)
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.ProxyURL != "" {
			proxyURL, err := url.Parse(opts.ProxyURL)
			if err != nil {
				return nil, fmt.Errorf("invalid proxy url: %w", err)
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
		httpClient = &http.Client{Timeout: timeout, Transport: transport}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}

	ttl := opts.AvatarTTL
	if ttl <= 0 {
		ttl = defaultAvatarTTL
	}

	return &Client{
		http:    httpClient,
		limiter: limiter,
		avatars: cache.New(ttl, 2*ttl),
		log:     log.With().Str("component", "gateway").Logger(),
	}, nil
}

func instancePath(prefix string, t Tenant) string {
	return prefix + "/" + url.PathEscape(t.ID)
}

func (c *Client) do(ctx context.Context, t Tenant, method, path string, body, out interface{}) error {
	if t.ID == "" || t.BaseURL == "" {
		return fmt.Errorf("gateway %s: tenant id and base url are required", path)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("gateway %s: %w", path, err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gateway %s: encode request: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(t.BaseURL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("gateway %s: %w", path, err)
	}
	req.Header.Set("apikey", t.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway %s: %w", path, err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("tenant", t.ID).
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("gateway call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &Error{Status: resp.StatusCode, Message: errorMessage(resp.StatusCode, raw), Path: path}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("gateway %s: decode response: %w", path, err)
	}
	return nil
}

// errorMessage extracts the human text from a gateway error body. The gateway
// nests it under response.message as a string or (nested) list of strings.
func errorMessage(status int, raw []byte) string {
	var body struct {
		Error    interface{} `json:"error"`
		Message  interface{} `json:"message"`
		Response struct {
			Message interface{} `json:"message"`
		} `json:"response"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		for _, candidate := range []interface{}{body.Response.Message, body.Message, body.Error} {
			if msg := flattenMessage(candidate); msg != "" {
				return msg
			}
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" && !strings.HasPrefix(text, "{") {
		return text
	}
	return http.StatusText(status)
}

func flattenMessage(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if msg := flattenMessage(item); msg != "" {
				parts = append(parts, msg)
			}
		}
		return strings.Join(parts, "; ")
	case map[string]interface{}:
		return flattenMessage(t["message"])
	}
	return ""
}
