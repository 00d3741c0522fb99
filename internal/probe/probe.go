// Package probe issues the redirect-following HEAD checks used by the
// short-link resolver and the link health monitor.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/enzyme/linkpreview/internal/ssrf"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultMaxRedirects = 10
	maxDrain            = 64 << 10
	userAgent           = "LinkPreviewBot/1.0 (+https://github.com/enzyme/linkpreview)"
)

// ErrRedirectLoop is returned when a URL redirects too many times or back to
// a URL already visited.
var ErrRedirectLoop = errors.New("probe: redirect loop")

// Result is the outcome of a probe that got a response.
type Result struct {
	FinalURL   string
	StatusCode int
}

// Options tunes a Prober.
type Options struct {
	Timeout      time.Duration
	MaxRedirects int
	UserAgent    string
}

// Prober checks URLs through the SSRF guard.
type Prober struct {
	guard     *ssrf.Guard
	client    *http.Client
	timeout   time.Duration
	userAgent string
}

// New creates a Prober whose client re-validates every redirect hop.
func New(guard *ssrf.Guard, opts Options) *Prober {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = defaultMaxRedirects
	}
	if opts.UserAgent == "" {
		opts.UserAgent = userAgent
	}

	maxRedirects := opts.MaxRedirects
	client := ssrf.NewClient(guard, ssrf.ClientOptions{
		Timeout: opts.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("%w: stopped after %d hops", ErrRedirectLoop, maxRedirects)
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return fmt.Errorf("%w: redirect to scheme %q", ssrf.ErrUnsafeURL, req.URL.Scheme)
			}
			next := req.URL.String()
			for _, prev := range via {
				if prev.URL.String() == next {
					return fmt.Errorf("%w: revisited %s", ErrRedirectLoop, next)
				}
			}
			return nil
		},
	})

	return &Prober{guard: guard, client: client, timeout: opts.Timeout, userAgent: opts.UserAgent}
}

// Probe validates rawURL, then issues a HEAD that follows redirects. A 405
// is retried once with GET. Any response, whatever its status, is returned
// as a Result; transport failures are returned as errors.
func (p *Prober) Probe(ctx context.Context, rawURL string) (Result, error) {
	if err := p.guard.Check(ctx, rawURL); err != nil {
		return Result{}, err
	}

	res, err := p.do(ctx, http.MethodHead, rawURL)
	if err == nil && res.StatusCode == http.StatusMethodNotAllowed {
		res, err = p.do(ctx, http.MethodGet, rawURL)
	}
	return res, err
}

func (p *Prober) do(ctx context.Context, method, rawURL string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))

	return Result{FinalURL: resp.Request.URL.String(), StatusCode: resp.StatusCode}, nil
}
