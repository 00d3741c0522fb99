package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/enzyme/linkpreview/internal/cache"
)

// Quota is the part of the quota tracker the primary source needs.
type Quota interface {
	CanUse(ctx context.Context) bool
	Increment(ctx context.Context) bool
}

// Primary queries the paid metadata API.
type Primary struct {
	endpoint string
	apiKey   string
	quota    Quota
	http     HTTPOptions
	logger   *slog.Logger
}

// NewPrimary creates the primary source. An empty apiKey disables it.
func NewPrimary(endpoint, apiKey string, quota Quota, opts HTTPOptions) *Primary {
	return &Primary{
		endpoint: endpoint,
		apiKey:   apiKey,
		quota:    quota,
		http:     opts.withDefaults(),
		logger:   slog.Default().With("component", "fetcher", "source", cache.SourcePrimaryAPI),
	}
}

type primaryResponse struct {
	Meta struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Site        string `json:"site"`
		Author      string `json:"author"`
	} `json:"meta"`
	Links struct {
		Thumbnail []struct {
			Href string `json:"href"`
		} `json:"thumbnail"`
	} `json:"links"`
}

func (p *Primary) Name() cache.Source { return cache.SourcePrimaryAPI }

// Supports reports whether a key is configured and the month has capacity.
func (p *Primary) Supports(ctx context.Context, _ string) bool {
	if p.apiKey == "" || p.endpoint == "" {
		return false
	}
	return p.quota == nil || p.quota.CanUse(ctx)
}

// Fetch calls the API and counts the call against the quota once the body
// decodes.
func (p *Primary) Fetch(ctx context.Context, rawURL string) (*Metadata, error) {
	endpoint, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing primary endpoint: %w", err)
	}
	q := endpoint.Query()
	q.Set("url", rawURL)
	q.Set("api_key", p.apiKey)
	endpoint.RawQuery = q.Encode()

	body, err := p.http.get(ctx, endpoint.String(), "application/json")
	if err != nil {
		return nil, err
	}

	var resp primaryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding primary response: %w", err)
	}
	if p.quota != nil && !p.quota.Increment(ctx) {
		p.logger.Info("primary quota exhausted after this call")
	}

	if resp.Meta.Title == "" && resp.Meta.Description == "" && len(resp.Links.Thumbnail) == 0 {
		return nil, errors.New("primary response has no metadata")
	}

	m := &Metadata{
		Title:       resp.Meta.Title,
		Description: resp.Meta.Description,
		SiteName:    resp.Meta.Site,
		RawMetadata: string(body),
		Source:      cache.SourcePrimaryAPI,
	}
	if m.SiteName == "" {
		m.SiteName = resp.Meta.Author
	}
	if len(resp.Links.Thumbnail) > 0 {
		m.ImageURL = resp.Links.Thumbnail[0].Href
	}
	return m, nil
}
