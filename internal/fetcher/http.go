package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

const (
	// DefaultMaxBodySize caps provider and page bodies.
	DefaultMaxBodySize = 1 << 20 // 1 MB
	// DefaultUserAgent is sent on every outbound request.
	DefaultUserAgent = "LinkPreviewBot/1.0 (+https://github.com/enzyme/linkpreview)"
)

// HTTPOptions are shared by the sources that issue requests.
type HTTPOptions struct {
	Client      *http.Client
	UserAgent   string
	MaxBodySize int64
}

func (o HTTPOptions) withDefaults() HTTPOptions {
	if o.Client == nil {
		o.Client = http.DefaultClient
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.MaxBodySize <= 0 {
		o.MaxBodySize = DefaultMaxBodySize
	}
	return o
}

// get performs a GET and returns the capped body of a 200 response.
func (o HTTPOptions) get(ctx context.Context, rawURL, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", o.UserAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := o.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, o.MaxBodySize))
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, o.MaxBodySize))
}
