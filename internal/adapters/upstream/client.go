// Package upstream holds the HTTP clients for the coordinator's external
// collaborators: the network directory, worker endpoints, the scoring
// oracle, the consensus submitter and the metadata reporter.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout = 4 * time.Second
	maxErrorBody   = 512
)

// Option configures a client.
type Option func(*client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

type client struct {
	base    string
	http    *http.Client
	timeout time.Duration
}

func newClient(base string, opts ...Option) client {
	c := client{base: strings.TrimSuffix(base, "/"), http: http.DefaultClient, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (c client) postJSON(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPost, c.base+path, in, out)
}

func (c client) do(ctx context.Context, method, url string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: %s %s: %d %s", ErrStatus, method, url, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrMalformed, method, url, err)
	}
	return nil
}

// endpointURL turns "host:port" or a full URL into a base URL.
func endpointURL(ep string) string {
	ep = strings.TrimSuffix(strings.TrimSpace(ep), "/")
	if strings.HasPrefix(ep, "http://") || strings.HasPrefix(ep, "https://") {
		return ep
	}
	return "http://" + ep
}
