package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/enzyme/linkpreview/internal/cache"
	"github.com/enzyme/linkpreview/internal/urlnorm"
)

const (
	DefaultOEmbedEndpoint = "https://medium.com/oembed"
	DefaultFeedBaseURL    = "https://medium.com/feed"
	mediumHost            = "medium.com"
	mediumSiteName        = "Medium"
)

// Platform handles Medium posts through oEmbed, then the author's feed.
type Platform struct {
	oembedEndpoint string
	feedBaseURL    string
	http           HTTPOptions
	logger         *slog.Logger
}

// NewPlatform creates the Medium source. Empty endpoints use Medium's.
func NewPlatform(oembedEndpoint, feedBaseURL string, opts HTTPOptions) *Platform {
	if oembedEndpoint == "" {
		oembedEndpoint = DefaultOEmbedEndpoint
	}
	if feedBaseURL == "" {
		feedBaseURL = DefaultFeedBaseURL
	}
	return &Platform{
		oembedEndpoint: oembedEndpoint,
		feedBaseURL:    strings.TrimRight(feedBaseURL, "/"),
		http:           opts.withDefaults(),
		logger:         slog.Default().With("component", "fetcher", "source", cache.SourcePlatformSpecific),
	}
}

func (p *Platform) Name() cache.Source { return cache.SourcePlatformSpecific }

// Supports matches medium.com/@author/... and author.medium.com/... posts.
func (p *Platform) Supports(_ context.Context, rawURL string) bool {
	_, ok := feedPath(rawURL)
	return ok
}

// feedPath returns the feed path for the author or publication of rawURL.
func feedPath(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")

	switch {
	case host == mediumHost:
		first, _, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
		if len(first) > 1 && strings.HasPrefix(first, "@") {
			return "/" + first, true
		}
	case strings.HasSuffix(host, "."+mediumHost):
		sub := strings.TrimSuffix(host, "."+mediumHost)
		if sub != "" && !strings.Contains(sub, ".") && strings.Trim(u.Path, "/") != "" {
			return "/" + sub, true
		}
	}
	return "", false
}

type oembedResponse struct {
	Title        string `json:"title"`
	HTML         string `json:"html"`
	ThumbnailURL string `json:"thumbnail_url"`
	AuthorName   string `json:"author_name"`
	ProviderName string `json:"provider_name"`
}

// Fetch tries oEmbed, then the feed. Each step's result must pass the
// quality gate before the next step is skipped.
func (p *Platform) Fetch(ctx context.Context, rawURL string) (*Metadata, error) {
	m, err := p.fetchOEmbed(ctx, rawURL)
	if err == nil && IsValid(Sanitize(m)) {
		return m, nil
	}
	if err != nil {
		p.logger.Debug("oembed failed", "url", rawURL, "error", err)
	}

	m, ferr := p.fetchFeed(ctx, rawURL)
	if ferr != nil {
		return nil, errors.Join(err, ferr)
	}
	return m, nil
}

func (p *Platform) fetchOEmbed(ctx context.Context, rawURL string) (*Metadata, error) {
	endpoint, err := url.Parse(p.oembedEndpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing oembed endpoint: %w", err)
	}
	q := endpoint.Query()
	q.Set("url", rawURL)
	q.Set("format", "json")
	endpoint.RawQuery = q.Encode()

	body, err := p.http.get(ctx, endpoint.String(), "application/json")
	if err != nil {
		return nil, fmt.Errorf("oembed: %w", err)
	}

	var resp oembedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding oembed response: %w", err)
	}

	site := resp.ProviderName
	if site == "" {
		site = mediumSiteName
	}
	return &Metadata{
		Title:       resp.Title,
		Description: resp.HTML,
		ImageURL:    resp.ThumbnailURL,
		SiteName:    site,
		RawMetadata: string(body),
		Source:      cache.SourcePlatformSpecific,
	}, nil
}

type feedMatch struct {
	Title  string `json:"title"`
	Link   string `json:"link"`
	Author string `json:"author,omitempty"`
	Feed   string `json:"feed"`
}

func (p *Platform) fetchFeed(ctx context.Context, rawURL string) (*Metadata, error) {
	path, ok := feedPath(rawURL)
	if !ok {
		return nil, errors.New("not a medium post url")
	}
	feedURL := p.feedBaseURL + path

	body, err := p.http.get(ctx, feedURL, "application/rss+xml, application/xml;q=0.9, */*;q=0.8")
	if err != nil {
		return nil, fmt.Errorf("feed: %w", err)
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing feed: %w", err)
	}

	target := feedKey(rawURL)
	for _, item := range feed.Items {
		if item == nil || feedKey(item.Link) != target {
			continue
		}

		author := ""
		if item.Author != nil {
			author = item.Author.Name
		}
		description := item.Description
		if description == "" {
			description = item.Content
		}
		raw, _ := json.Marshal(feedMatch{Title: item.Title, Link: item.Link, Author: author, Feed: feedURL})

		return &Metadata{
			Title:       item.Title,
			Description: description,
			ImageURL:    itemImage(item),
			SiteName:    mediumSiteName,
			RawMetadata: string(raw),
			Source:      cache.SourcePlatformSpecific,
		}, nil
	}
	return nil, fmt.Errorf("no feed item matches %s", rawURL)
}

// feedKey normalizes a post link for comparison. Feed links carry a
// per-feed source query, so the query is dropped.
func feedKey(rawURL string) string {
	n := urlnorm.Normalize(rawURL)
	if u, err := url.Parse(n); err == nil {
		u.RawQuery = ""
		u.Fragment = ""
		u.Host = strings.TrimPrefix(u.Host, "www.")
		return u.String()
	}
	return n
}

// itemImage picks the embedded content image, then the thumbnail, then the
// first image in the description.
func itemImage(item *gofeed.Item) string {
	if src := firstImage(item.Content); src != "" {
		return src
	}
	if media, ok := item.Extensions["media"]; ok {
		for _, ext := range media["thumbnail"] {
			if u := ext.Attrs["url"]; u != "" {
				return u
			}
		}
		for _, ext := range media["content"] {
			if u := ext.Attrs["url"]; u != "" && strings.HasPrefix(ext.Attrs["medium"], "image") {
				return u
			}
		}
	}
	if item.Image != nil && item.Image.URL != "" {
		return item.Image.URL
	}
	return firstImage(item.Description)
}

func firstImage(fragment string) string {
	if !strings.Contains(fragment, "<img") {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return ""
	}
	src, _ := doc.Find("img[src]").First().Attr("src")
	return strings.TrimSpace(src)
}
