// Package transport performs the single HTTP POST of a rendered check-in
// payload. It never retries; the check-in scheduler owns the retry policy.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultTimeout bounds both connecting and reading the response so a slow
// server cannot hang a scheduling cycle.
const DefaultTimeout = 60 * time.Second

// Kind classifies a failed post attempt. Every kind is recoverable; the
// scheduler backs off and retries regardless of which one occurred.
type Kind int

const (
	// KindMalformedURL means the endpoint itself is unusable. Retrying is
	// still correct: a fixed endpoint configuration will eventually succeed.
	KindMalformedURL Kind = iota
	// KindNetwork covers DNS, connection and timeout failures.
	KindNetwork
	// KindServer means the server answered with a non-200 status.
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindMalformedURL:
		return "malformed url"
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// Error is a failed post attempt. Status is set only for KindServer.
type Error struct {
	Kind   Kind
	Status int
	cause  error
}

func (e *Error) Error() string {
	if e.Kind == KindServer {
		return fmt.Sprintf("post check-in: server status %d", e.Status)
	}
	return fmt.Sprintf("post check-in: %s: %v", e.Kind, e.cause)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Client posts check-in payloads. The zero value with defaults applied by
// New is ready to use.
type Client struct {
	client  *http.Client
	timeout time.Duration
}

// Options set optional parameters for the transport.
type Options struct {
	// Client is the HTTP client to use; if omitted, http.DefaultClient.
	Client *http.Client
	// Timeout bounds each post attempt end to end; default 60s.
	Timeout time.Duration
}

// New returns a Client for posting check-in payloads.
func New(opts Options) *Client {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Client{client: opts.Client, timeout: opts.Timeout}
}

// Post sends payload to endpoint and returns the response body. The
// payload is sent with an explicit Content-Length. Any status other than
// 200 is an *Error of KindServer; failures below HTTP are KindNetwork.
func (c *Client) Post(ctx context.Context, endpoint string, payload []byte, headers http.Header) ([]byte, error) {
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, &Error{Kind: KindMalformedURL, cause: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: KindMalformedURL, cause: err}
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	for name, values := range headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	// bytes.Reader gives net/http the length up front; no chunked encoding.
	req.ContentLength = int64(len(payload))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &Error{Kind: KindServer, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, cause: err}
	}
	return body, nil
}
