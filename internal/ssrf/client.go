package ssrf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrTooManyRedirects is returned by clients built with NewClient once the
// redirect budget is used up.
var ErrTooManyRedirects = errors.New("ssrf: too many redirects")

// DialContext resolves DNS then rejects blocked IPs before connecting, so a
// host that passed Check cannot be rebound to an internal address.
func (g *Guard) DialContext(timeout time.Duration) func(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}

		ips, err := g.resolve(ctx, host)
		if err != nil {
			return nil, err
		}

		// Connect to the first resolved IP.
		return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
	}
}

// ClientOptions tunes NewClient.
type ClientOptions struct {
	Timeout      time.Duration
	MaxRedirects int
	// CheckRedirect overrides the default redirect policy.
	CheckRedirect func(req *http.Request, via []*http.Request) error
}

// NewClient creates an HTTP client whose every connection, including
// redirect hops, goes through the guarded dialer.
func NewClient(g *Guard, opts ClientOptions) *http.Client {
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           g.DialContext(opts.Timeout),
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       60 * time.Second,
		TLSHandshakeTimeout:   opts.Timeout,
		ResponseHeaderTimeout: opts.Timeout,
	}

	checkRedirect := opts.CheckRedirect
	if checkRedirect == nil {
		maxRedirects := opts.MaxRedirects
		checkRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("%w after %d hops", ErrTooManyRedirects, len(via))
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return fmt.Errorf("%w: redirect to scheme %q", ErrUnsafeURL, req.URL.Scheme)
			}
			return nil
		}
	}

	return &http.Client{
		Timeout:       opts.Timeout,
		Transport:     otelhttp.NewTransport(transport),
		CheckRedirect: checkRedirect,
	}
}
