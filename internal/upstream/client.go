package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNetwork marks a failure to reach the upstream at all (no connectivity,
// DNS, refused connection, timeout). A non-2xx answer is not a network error.
var ErrNetwork = errors.New("network unavailable")

// NetworkError wraps the transport error of a failed fetch.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// IsNetworkError reports whether err means the upstream could not be reached.
func IsNetworkError(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// HTTPError captures an unexpected status code and the response body.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, string(e.Body))
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Err returns an *HTTPError for non-2xx responses and nil otherwise.
func (r *Response) Err() error {
	if r.OK() {
		return nil
	}
	if r == nil {
		return &HTTPError{}
	}
	return &HTTPError{StatusCode: r.StatusCode, Body: r.Body}
}

// Fetcher performs a single network round trip.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*Response, error)
}

// userAgentRoundTripper sets the User-Agent on every outbound request.
type userAgentRoundTripper struct {
	wrapped   http.RoundTripper
	userAgent string
}

func (rt *userAgentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", rt.userAgent)
	return rt.wrapped.RoundTrip(clone)
}

// Client is the Fetcher used in production. It never follows redirects so
// the application sees the same status codes it would see without the proxy.
type Client struct {
	client *http.Client
}

// NewClient builds a Client. A nil base uses http.DefaultTransport.
func NewClient(userAgent string, timeout time.Duration, base http.RoundTripper) *Client {
	if base == nil {
		base = http.DefaultTransport
	}
	var transport http.RoundTripper = base
	if userAgent != "" {
		transport = &userAgentRoundTripper{wrapped: base, userAgent: userAgent}
	}
	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (c *Client) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, &NetworkError{Method: req.Method, URL: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Method: req.Method, URL: req.URL.String(), Err: fmt.Errorf("read body: %w", err)}
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}

func (c *Client) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

var _ Fetcher = (*Client)(nil)
