package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/time/rate"
)

// RESTClient is an InfoProvider and Requester over a plain HTTP API.
// Outbound calls pass through a token bucket per route bucket, so one
// chatty route cannot starve the rest of the fleet.
type RESTClient struct {
	BaseURL string
	Token   string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Rate is the sustained requests/second per route bucket; Burst is
	// the bucket depth. Zero Rate disables limiting.
	Rate  float64
	Burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// GatewayInfo queries the provider's recommended shard count and
// session-start concurrency.
func (c *RESTClient) GatewayInfo(ctx context.Context) (Info, error) {
	raw, err := c.Request(ctx, Request{
		Method: http.MethodGet,
		URL:    c.BaseURL + "/gateway/bot",
		Auth:   true,
		Route:  "/gateway/bot",
	})
	if err != nil {
		return Info{}, fmt.Errorf("gateway: fetch gateway info: %w", err)
	}

	var payload struct {
		Shards            int `json:"shards"`
		SessionStartLimit struct {
			MaxConcurrency int `json:"max_concurrency"`
		} `json:"session_start_limit"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Info{}, fmt.Errorf("gateway: decode gateway info: %w", err)
	}

	info := Info{Shards: payload.Shards, MaxConcurrency: payload.SessionStartLimit.MaxConcurrency}
	if info.MaxConcurrency < 1 {
		info.MaxConcurrency = 1
	}
	return info, nil
}

// Request performs one rate-limited HTTP call.
func (c *RESTClient) Request(ctx context.Context, req Request) (json.RawMessage, error) {
	if lim := c.limiterFor(c.routeKey(req)); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, fmt.Errorf("gateway: rate wait: %w", err)
		}
	}

	body, contentType, err := buildBody(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("gateway: build request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if req.Auth && c.Token != "" {
		httpReq.Header.Set("Authorization", c.Token)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway: %s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gateway: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("gateway: %s %s: status %d: %s", req.Method, req.URL, resp.StatusCode, data)
	}
	return data, nil
}

func buildBody(req Request) (io.Reader, string, error) {
	if req.FileName == "" {
		if len(req.Body) == 0 {
			return nil, "", nil
		}
		return bytes.NewReader(req.Body), "application/json", nil
	}

	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	part, err := mw.CreateFormFile("file", req.FileName)
	if err != nil {
		return nil, "", fmt.Errorf("gateway: multipart file: %w", err)
	}
	if _, err := part.Write(req.File); err != nil {
		return nil, "", fmt.Errorf("gateway: multipart write: %w", err)
	}
	if len(req.Body) > 0 {
		if err := mw.WriteField("payload_json", string(req.Body)); err != nil {
			return nil, "", fmt.Errorf("gateway: multipart payload: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("gateway: multipart close: %w", err)
	}
	return buf, mw.FormDataContentType(), nil
}

func (c *RESTClient) routeKey(req Request) string {
	if req.Route != "" {
		return req.Route
	}
	if u, err := url.Parse(req.URL); err == nil {
		return u.Path
	}
	return req.URL
}

// limiterFor returns (lazily creating) the route bucket's limiter, or
// nil when limiting is disabled.
func (c *RESTClient) limiterFor(route string) *rate.Limiter {
	if c.Rate <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limiters == nil {
		c.limiters = make(map[string]*rate.Limiter)
	}
	lim, ok := c.limiters[route]
	if !ok {
		burst := c.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(c.Rate), burst)
		c.limiters[route] = lim
	}
	return lim
}
