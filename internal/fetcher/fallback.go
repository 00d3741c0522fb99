package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/otiai10/opengraph/v2"

	"github.com/enzyme/linkpreview/internal/cache"
)

// Fallback scrapes Open Graph and standard meta tags from the page itself.
type Fallback struct {
	http HTTPOptions
}

// NewFallback creates the generic scraping source.
func NewFallback(opts HTTPOptions) *Fallback {
	return &Fallback{http: opts.withDefaults()}
}

func (f *Fallback) Name() cache.Source { return cache.SourceFallbackLibrary }

func (f *Fallback) Supports(context.Context, string) bool { return true }

// Fetch downloads the page through the configured client and parses it.
func (f *Fallback) Fetch(ctx context.Context, rawURL string) (*Metadata, error) {
	rt := &recordingTransport{
		base:      f.http.Client.Transport,
		userAgent: f.http.UserAgent,
		maxBytes:  f.http.MaxBodySize,
	}
	if rt.base == nil {
		rt.base = http.DefaultTransport
	}
	client := *f.http.Client
	client.Transport = rt

	og := opengraph.New(rawURL)
	og.URL = rawURL
	og.Intent.Context = ctx
	og.Intent.HTTPClient = &client

	err := og.Fetch()
	if resp := rt.lastResponse; resp != nil && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if err != nil {
		return nil, fmt.Errorf("scraping page: %w", err)
	}
	og.ToAbs()

	m := &Metadata{
		Title:       og.Title,
		Description: og.Description,
		SiteName:    og.SiteName,
		Source:      cache.SourceFallbackLibrary,
	}
	if len(og.Image) > 0 {
		m.ImageURL = og.Image[0].URL
	}

	if m.Title == "" || m.Description == "" {
		head := parseHead(bytes.NewReader(rt.body.Bytes()))
		if m.Title == "" {
			m.Title = head.Title
		}
		if m.Description == "" {
			m.Description = head.Description
		}
	}
	return m, nil
}

// recordingTransport keeps the last response and a capped copy of its body.
type recordingTransport struct {
	base         http.RoundTripper
	userAgent    string
	maxBytes     int64
	lastResponse *http.Response
	body         bytes.Buffer
}

func (t *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", t.userAgent)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	t.lastResponse = resp
	t.body.Reset()
	resp.Body = &capturingBody{ReadCloser: resp.Body, t: t}
	return resp, nil
}

type capturingBody struct {
	io.ReadCloser
	t    *recordingTransport
	read int64
}

func (b *capturingBody) Read(p []byte) (int, error) {
	if b.read >= b.t.maxBytes {
		return 0, io.EOF
	}
	if remaining := b.t.maxBytes - b.read; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := b.ReadCloser.Read(p)
	b.read += int64(n)
	b.t.body.Write(p[:n])
	return n, err
}
