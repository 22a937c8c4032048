package syncqueue

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Probe confirms connectivity with a real request before replay starts.
type Probe interface {
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) error

// Check implements Probe.
func (f ProbeFunc) Check(ctx context.Context) error {
	return f(ctx)
}

// HTTPProbe issues a GET against a health endpoint and requires a 2xx
// response. Redirects are not followed, so a captive portal does not pass.
type HTTPProbe struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPProbe creates a probe for url.
func NewHTTPProbe(url string, timeout time.Duration) *HTTPProbe {
	return &HTTPProbe{
		URL: url,
		Client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		Timeout: timeout,
	}
}

// Check implements Probe.
func (p *HTTPProbe) Check(ctx context.Context) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe %s: unexpected status %d", p.URL, resp.StatusCode)
	}
	return nil
}
