// Package handler implements the HTTP API.
package handler

import (
	"context"
	"net/http"

	"github.com/enzyme/linkpreview/internal/cache"
	"github.com/enzyme/linkpreview/internal/imageproxy"
	"github.com/enzyme/linkpreview/internal/quota"
)

const defaultMaxImageSize = 5 << 20 // 5MB

// Previews is the on-demand preview service.
type Previews interface {
	PreviewIDForText(ctx context.Context, text string) (string, bool)
	Get(ctx context.Context, id string) (*cache.Record, error)
}

// QuotaReader reports the current month's usage.
type QuotaReader interface {
	Current(ctx context.Context) (quota.Usage, error)
}

// Guard vets outbound URLs.
type Guard interface {
	Check(ctx context.Context, rawURL string) error
}

// Handler serves the preview API
type Handler struct {
	previews     Previews
	quota        QuotaReader
	guard        Guard
	imageClient  *http.Client
	images       *imageproxy.Signer
	publicURL    string
	userAgent    string
	maxImageSize int64
}

// Dependencies holds all dependencies for the Handler
type Dependencies struct {
	Previews Previews
	Quota    QuotaReader
	Guard    Guard
	// ImageClient fetches proxied images. It should dial through the guard.
	ImageClient *http.Client
	// Images signs proxy tokens. A random key is used when nil, so tokens
	// do not survive a restart.
	Images       *imageproxy.Signer
	PublicURL    string
	UserAgent    string
	MaxImageSize int64
}

// New creates a new Handler with all dependencies
func New(deps Dependencies) *Handler {
	if deps.MaxImageSize <= 0 {
		deps.MaxImageSize = defaultMaxImageSize
	}
	if deps.Images == nil {
		deps.Images = imageproxy.NewSigner(imageproxy.NewSecret())
	}
	return &Handler{
		previews:     deps.Previews,
		quota:        deps.Quota,
		guard:        deps.Guard,
		imageClient:  deps.ImageClient,
		images:       deps.Images,
		publicURL:    deps.PublicURL,
		userAgent:    deps.UserAgent,
		maxImageSize: deps.MaxImageSize,
	}
}
