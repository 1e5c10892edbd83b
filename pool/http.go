package pool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mastodon/mastodon-sub071/metrics"
)

// maxResponseBody bounds what is read from a remote server.
const maxResponseBody = 4 << 20

type HTTPConfig struct {
	CheckoutTimeout time.Duration
	RequestTimeout  time.Duration
	MaxIdlePerHost  int
	// IdleTimeout closes pooled clients left unused this long and returns
	// their slots to the shared ceiling.
	IdleTimeout     time.Duration
	UserAgent       string
	Metrics         *metrics.Metrics
	// Transport overrides the per-connection transport, for tests.
	Transport func() http.RoundTripper
}

// Response is a fully read HTTP response. The pooled connection has been
// returned by the time the caller sees it.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// HTTPClient sends requests over pooled clients, one pool per destination
// host. Each pooled client holds at most one TCP connection, so the shared
// ceiling bounds open sockets across all hosts.
type HTTPClient struct {
	group *Group[*http.Client]
	cfg   HTTPConfig
}

func NewHTTPClient(counter *SharedCounter, cfg HTTPConfig) *HTTPClient {
	newTransport := cfg.Transport
	if newTransport == nil {
		idleConnTimeout := cfg.IdleTimeout
		if idleConnTimeout <= 0 {
			idleConnTimeout = 90 * time.Second
		}
		newTransport = func() http.RoundTripper {
			return &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxConnsPerHost:     1,
				MaxIdleConnsPerHost: 1,
				IdleConnTimeout:     idleConnTimeout,
				TLSHandshakeTimeout: 10 * time.Second,
			}
		}
	}

	factory := func(host string) (*http.Client, error) {
		return &http.Client{Transport: newTransport(), Timeout: cfg.RequestTimeout}, nil
	}
	closeClient := func(c *http.Client) {
		c.CloseIdleConnections()
	}

	return &HTTPClient{
		group: NewGroup(counter, factory, Config[*http.Client]{
			MaxIdle:     cfg.MaxIdlePerHost,
			IdleTimeout: cfg.IdleTimeout,
			Close:       closeClient,
			Metrics:     cfg.Metrics,
		}),
		cfg:   cfg,
	}
}

// Do sends req on a pooled client for req.URL.Host. Transport failures
// discard the connection; a pool timeout is returned as *TimeoutError.
func (c *HTTPClient) Do(req *http.Request) (*Response, error) {
	p := c.group.Get(req.URL.Host)
	ctx, cancel := context.WithTimeout(req.Context(), c.cfg.CheckoutTimeout)
	conn, err := p.CheckoutContext(ctx)
	cancel()
	if err != nil {
		return nil, err
	}

	if c.cfg.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := conn.Value.Do(req)
	if err != nil {
		p.Discard(conn)
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		p.Discard(conn)
		return nil, fmt.Errorf("read response from %s: %w", req.URL.Host, err)
	}
	p.Release(conn)

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (c *HTTPClient) Close() {
	c.group.Close()
}

// StatusError is an exchange the remote completed with a non-2xx status.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: remote returned status %d", e.Method, e.URL, e.StatusCode)
}

// Permanent reports whether sending the same request again cannot succeed.
// 408 and 429 ask the client to come back later.
func (e *StatusError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// CheckStatus returns a *StatusError unless resp is a 2xx answer to req.
func CheckStatus(req *http.Request, resp *Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &StatusError{Method: req.Method, URL: req.URL.String(), StatusCode: resp.StatusCode}
}
