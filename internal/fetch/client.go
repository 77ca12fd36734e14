package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultConnectTimeout = 8 * time.Second
	DefaultReadTimeout    = 30 * time.Second
	defaultUserAgent      = "taskgraph/1.0"
)

type ClientOptions struct {
	ConnectTimeout time.Duration
	// ReadTimeout bounds the wait for response headers and for every
	// chunk of the body.
	ReadTimeout time.Duration
	UserAgent   string
	// Transport replaces the default transport, mostly for tests.
	Transport http.RoundTripper
}

// Client is the HTTP client shared by all fetch tasks.
type Client struct {
	http        *http.Client
	readTimeout time.Duration
	userAgent   string
}

func NewClient(opts ClientOptions) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}

	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}

	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}

	base := opts.Transport
	if base == nil {
		dialer := &net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}

		base = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   opts.ConnectTimeout,
			ResponseHeaderTimeout: opts.ReadTimeout,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			// Content-Length must describe the bytes we hash.
			DisableCompression: true,
		}
	}

	return &Client{
		http:        &http.Client{Transport: otelhttp.NewTransport(base)},
		readTimeout: opts.ReadTimeout,
		userAgent:   opts.UserAgent,
	}
}

// Do sends req with the client's user agent.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	return c.http.Do(req)
}

// Probe describes a resource as announced by a HEAD request.
type Probe struct {
	URL          string
	Length       int64 // -1 when unknown
	AcceptRanges bool
	ETag         string
	LastModified string
}

// Head probes url. Non-2xx answers are returned as ResponseCodeError.
func (c *Client) Head(ctx context.Context, url string) (*Probe, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to probe %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, &ResponseCodeError{URL: url, StatusCode: resp.StatusCode}
	}

	p := &Probe{
		URL:          url,
		Length:       resp.ContentLength,
		AcceptRanges: strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}

	return p, nil
}

func rangeHeader(start, end int64) string {
	if end < 0 {
		return "bytes=" + strconv.FormatInt(start, 10) + "-"
	}

	return "bytes=" + strconv.FormatInt(start, 10) + "-" + strconv.FormatInt(end-1, 10)
}
