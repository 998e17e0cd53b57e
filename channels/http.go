package channels

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hazyhaar/shelfwatch/horosafe"
)

const defaultHTTPTimeout = 15 * time.Second

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &http.Client{Timeout: timeout}
}

// newGuardedHTTPClient refuses to connect to private and loopback
// addresses, whatever the target name resolves to at dial time.
func newGuardedHTTPClient(timeout time.Duration) *http.Client {
	c := newHTTPClient(timeout)
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = nil
	t.DialContext = horosafe.GuardDialer(&net.Dialer{Timeout: 10 * time.Second}).DialContext
	c.Transport = t
	return c
}

// post sends body to url and returns the response body. Non-2xx statuses
// are errors carrying the start of the response.
func post(ctx context.Context, client *http.Client, url, contentType string, body []byte, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	data, err := horosafe.LimitedReadAll(resp.Body, horosafe.MaxResponseBody)
	if err != nil {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return data, fmt.Errorf("http status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	return data, nil
}
