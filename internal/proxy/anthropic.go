package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultTimeout   = 30 * time.Second
	maxAttempts      = 2
	retryBackoff     = 250 * time.Millisecond
	maxResponseBytes = 1 << 20
)

// ErrMalformed is returned when a 200 response cannot be used: bad JSON, no
// text, or a missing usage split.
var ErrMalformed = errors.New("malformed provider response")

// StatusError is a non-200 answer from the provider.
type StatusError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider status %d (%s): %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("provider status %d", e.StatusCode)
}

// RateLimited reports whether the provider asked us to back off.
func (e *StatusError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

func (e *StatusError) retryable() bool {
	return e.RateLimited() || e.StatusCode >= 500
}

// Client talks to the Anthropic Messages API.
type Client struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	backoff    time.Duration
	httpClient *http.Client
}

// NewClient creates a client with the given API key and per-attempt timeout.
// A non-positive timeout selects the default of 30s.
func NewClient(apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		timeout:    timeout,
		backoff:    retryBackoff,
		httpClient: &http.Client{},
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for
// testing and gateways).
func NewClientWithBaseURL(apiKey, baseURL string, timeout time.Duration) *Client {
	c := NewClient(apiKey, timeout)
	if baseURL != "" {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
	return c
}

// Messages sends one request and retries it at most once on a transient
// failure. The same body is sent on both attempts. A malformed reply is
// billed by the provider and never retried; when its usage split is
// complete the response is returned alongside the ErrMalformed error.
func (c *Client) Messages(ctx context.Context, req MessagesRequest) (*MessagesResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxAttempts {
		resp, err := c.doMessages(ctx, body)
		if err == nil || resp != nil {
			return resp, err
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) || attempt == maxAttempts-1 {
			break
		}
		slog.Warn("provider call failed, retrying once", "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.backoff):
		}
	}
	return nil, lastErr
}

func retryable(err error) bool {
	if errors.Is(err, ErrMalformed) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.retryable()
	}
	return true
}

func (c *Client) doMessages(ctx context.Context, body []byte) (*MessagesResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		se := &StatusError{StatusCode: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil {
			se.Type = eb.Error.Type
			se.Message = eb.Error.Message
		}
		return nil, se
	}

	var out MessagesResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !out.Usage.Complete() {
		return nil, fmt.Errorf("%w: usage split missing", ErrMalformed)
	}
	if out.Text() == "" {
		return &out, fmt.Errorf("%w: no text content", ErrMalformed)
	}
	return &out, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
}
