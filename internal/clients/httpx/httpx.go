// Package httpx is the HTTP client shared by provider adapters. It classifies transport
// failures and response statuses into retryable or terminal provider errors.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/aristath/marketfeed/internal/domain"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// maxBodyBytes caps how much of a response body is read
const maxBodyBytes = 8 << 20

// DefaultUserAgent is sent when the adapter sets none
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

// Client is a small wrapper around http.Client with sane defaults.
type Client struct {
	HTTP      *http.Client
	Provider  string
	UserAgent string
	Headers   map[string]string
}

// New creates a client for provider whose calls time out after timeout
func New(provider string, timeout time.Duration) *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 3 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		ForceAttemptHTTP2:     true,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   3 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &Client{
		HTTP:      &http.Client{Timeout: timeout, Transport: transport},
		Provider:  provider,
		UserAgent: DefaultUserAgent,
	}
}

// Do sends req with the client's default headers
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	if c.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	for k, v := range c.Headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	return c.HTTP.Do(req)
}

// Get fetches url and returns the body of a 2xx response.
// Any other outcome is a *domain.ProviderError.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, domain.NewTerminalError(c.Provider, fmt.Errorf("failed to build request: %w", err))
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, ClassifyTransportError(c.Provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, ClassifyTransportError(c.Provider, fmt.Errorf("failed to read body: %w", err))
	}

	if err := CheckStatus(c.Provider, resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// GetJSON fetches url and decodes the JSON body into v
func (c *Client) GetJSON(ctx context.Context, url string, v any) error {
	body, err := c.Get(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return domain.NewTerminalError(c.Provider, fmt.Errorf("failed to parse response: %w", err))
	}
	return nil
}

// CheckStatus maps an HTTP status to nil (2xx), a retryable error (5xx) or a terminal
// error (anything else, including 4xx).
func CheckStatus(provider string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	snippet := body
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}

	return &domain.ProviderError{
		Provider:   provider,
		StatusCode: status,
		Retryable:  status >= 500, // 429 is terminal like any other 4xx
		Err:        fmt.Errorf("unexpected status: %s", bytes.TrimSpace(snippet)),
	}
}

// ClassifyTransportError wraps a failure that happened before a status was received.
// Network errors and timeouts are retryable.
func ClassifyTransportError(provider string, err error) error {
	var perr *domain.ProviderError
	if errors.As(err, &perr) {
		return err
	}
	return domain.NewRetryableError(provider, err)
}

// DecodeGBK converts a GBK-encoded body (Tencent and Sina quote feeds) to UTF-8
func DecodeGBK(body []byte) ([]byte, error) {
	out, _, err := transform.Bytes(simplifiedchinese.GBK.NewDecoder(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode GBK: %w", err)
	}
	return out, nil
}
