package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPClient drives a remote access controller over REST:
//
//	POST {baseURL}/api/access/{identity}/grant
//	POST {baseURL}/api/access/{identity}/revoke
type HTTPClient struct {
	baseURL  string
	adminKey string
	http     *http.Client
}

func NewHTTPClient(baseURL, adminKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:  baseURL,
		adminKey: adminKey,
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Grant(ctx context.Context, identity string) error {
	return c.post(ctx, identity, "grant")
}

func (c *HTTPClient) Revoke(ctx context.Context, identity string) error {
	return c.post(ctx, identity, "revoke")
}

func (c *HTTPClient) post(ctx context.Context, identity, action string) error {
	addr, err := parseIdentity(identity)
	if err != nil {
		return err
	}
	path := "/api/access/" + url.PathEscape(addr.String()) + "/" + action

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.adminKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrCallFailed, action, identity, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s %s: status %d", ErrCallFailed, action, identity, resp.StatusCode)
	}
	return nil
}

// BaseURL returns the configured controller URL.
func (c *HTTPClient) BaseURL() string { return c.baseURL }
