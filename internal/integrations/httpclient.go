// Package integrations holds the clients for the external services that
// workflow nodes call: mail, chat webhooks, object storage and row sinks.
package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/rendis/flowrun/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024
	defaultHTTPTimeout     = 30 * time.Second
	errorBodySnippet       = 512
)

// HTTPConfig configures JSONClient.
type HTTPConfig struct {
	Timeout         time.Duration
	MaxResponseBody int64
	// RatePerSecond throttles outbound requests; zero disables throttling.
	RatePerSecond float64
	Burst         int
	// Breaker, when set, fails calls fast to hosts that keep failing.
	Breaker *BreakerConfig
}

// Response is a completed HTTP exchange.
type Response struct {
	Status  int
	Header  http.Header
	Body    []byte
	Elapsed time.Duration
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Decoded returns the body as decoded JSON when it parses, else as a string.
func (r *Response) Decoded() any {
	if len(r.Body) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(r.Body, &v); err == nil {
		return v
	}
	return string(r.Body)
}

// JSONClient sends JSON requests and turns transport failures and non-2xx
// answers into TRANSPORT_ERROR values carrying the status and body.
type JSONClient struct {
	client  *http.Client
	limiter *rate.Limiter
	breaker *HostBreaker
	maxBody int64
}

// NewJSONClient builds a client with its own transport.
func NewJSONClient(cfg HTTPConfig) *JSONClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 10

	c := &JSONClient{
		client:  &http.Client{Transport: transport, Timeout: cfg.Timeout},
		maxBody: cfg.MaxResponseBody,
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	if cfg.Breaker != nil {
		c.breaker = NewHostBreaker(*cfg.Breaker)
	}
	return c
}

// PostJSON sends body as JSON to url. Non-2xx responses are errors.
func (c *JSONClient) PostJSON(ctx context.Context, url string, body any) (*Response, error) {
	return c.Do(ctx, http.MethodPost, url, body, nil)
}

// Do sends one request. A nil body sends no payload; a non-nil body is
// JSON encoded. Non-2xx responses are returned together with an error.
func (c *JSONClient) Do(ctx context.Context, method, url string, body any, header http.Header) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeTransport, "%s %s: rate limit wait: %v", method, url, err).WithCause(err)
		}
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s %s: encode body: %v", method, url, err).WithCause(err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, reader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s %s: build request: %v", method, url, err).WithCause(err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	host := req.URL.Host
	if c.breaker != nil {
		if err := c.breaker.Allow(host); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.recordFailure(host)
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "%s %s: %v", method, url, err).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "%s %s: read body: %v", method, url, err).WithCause(err)
	}
	out := &Response{Status: resp.StatusCode, Header: resp.Header, Body: data, Elapsed: time.Since(start)}

	if resp.StatusCode >= 500 {
		c.recordFailure(host)
	} else if c.breaker != nil {
		c.breaker.Success(host)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, StatusError(resp.StatusCode, data)
	}
	return out, nil
}

func (c *JSONClient) recordFailure(host string) {
	if c.breaker != nil {
		c.breaker.Failure(host)
	}
}

// BreakerState reports the circuit state for rawURL's host. Without a
// breaker every host is closed.
func (c *JSONClient) BreakerState(rawURL string) BreakerState {
	if c.breaker == nil {
		return BreakerClosed
	}
	u, err := neturl.Parse(rawURL)
	if err != nil {
		return BreakerClosed
	}
	return c.breaker.State(u.Host)
}

// StatusError is the TRANSPORT_ERROR for a non-2xx answer.
func StatusError(status int, body []byte) *schema.FlowError {
	snippet := string(body)
	if len(snippet) > errorBodySnippet {
		snippet = snippet[:errorBodySnippet] + "..."
	}
	return schema.NewErrorf(schema.ErrCodeTransport, "Status: %d. Data: %s", status, snippet).
		WithDetails(map[string]any{"status": status, "body": snippet})
}

// joinURL appends path to base, tolerating a trailing slash on base.
func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
