package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"sensei/internal/domain"
)

// Client calls a running gateway over TCP or a Unix socket.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient creates a client for addr, which is either an http(s) URL or
// UnixPrefix followed by a socket path. token, when set, is sent as a bearer
// token.
func NewClient(addr, token string, timeout time.Duration) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	base := strings.TrimRight(addr, "/")
	if path, ok := strings.CutPrefix(addr, UnixPrefix); ok {
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		}
		base = "http://sensei"
	}
	return &Client{
		base:  base,
		token: token,
		http:  &http.Client{Transport: transport, Timeout: timeout},
	}
}

// Ask sends prompt to /v1/ask. A non-empty category skips routing.
func (c *Client) Ask(ctx context.Context, prompt string, category domain.Category) (AskResponse, error) {
	var out AskResponse
	err := c.post(ctx, "/v1/ask", AskRequest{Prompt: prompt, Category: category.String()}, &out)
	return out, err
}

// Health reports whether the gateway answers /health.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.NewDomainError("gateway.Client", domain.ErrProviderError, err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBody))
	if err != nil {
		return domain.NewDomainError("gateway.Client", domain.ErrProviderError, err.Error())
	}
	if resp.StatusCode >= 300 {
		var e errorResponse
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return domain.NewDomainError("gateway.Client", statusSentinel(resp.StatusCode),
			fmt.Sprintf("%s %s: %d %s", req.Method, req.URL.Path, resp.StatusCode, e.Error))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return domain.NewDomainError("gateway.Client", domain.ErrProviderError, "decode response: "+err.Error())
	}
	return nil
}

func statusSentinel(code int) error {
	switch code {
	case http.StatusBadRequest:
		return domain.ErrInvalidInput
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrAuthInvalid
	case http.StatusTooManyRequests:
		return domain.ErrRateLimit
	default:
		return domain.ErrProviderError
	}
}
