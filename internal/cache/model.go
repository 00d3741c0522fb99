// Package cache is the persistent preview store shared by the on-demand
// fetch path, the short-link resolver and the link health monitor.
package cache

import "time"

// Source identifies which provider produced a record's content.
type Source string

const (
	SourcePrimaryAPI       Source = "primary_api"
	SourceFallbackLibrary  Source = "fallback_library"
	SourcePlatformSpecific Source = "platform_specific"
)

// ErrorType classifies the last failed health check.
type ErrorType string

const (
	ErrorNone              ErrorType = "none"
	ErrorDNS               ErrorType = "dns_error"
	ErrorConnectionRefused ErrorType = "connection_refused"
	ErrorTimeout           ErrorType = "timeout"
	ErrorSSL               ErrorType = "ssl_error"
	ErrorRedirectLoop      ErrorType = "redirect_loop"
	ErrorHTTP              ErrorType = "http_error"
	ErrorUnknown           ErrorType = "unknown"
)

// Record is one cached preview, unique per normalized URL.
type Record struct {
	ID              string
	NormalizedURL   string
	URLHash         string
	Host            string
	Title           string
	Description     string
	ImageURL        string
	SiteName        string
	RawMetadata     string
	Source          Source
	ResolveFailedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time

	// Health is populated by the health listing queries only.
	Health *Health
}

// Fields are the content fields owned by the fetcher.
type Fields struct {
	Title       string
	Description string
	ImageURL    string
	SiteName    string
	RawMetadata string
	Source      Source
}

// Health is the latest health-check state of a record.
type Health struct {
	PreviewID           string
	HTTPStatusCode      int
	ErrorType           ErrorType
	ErrorMessage        string
	ConsecutiveFailures int
	LastCheckedAt       *time.Time
	LastHealthyAt       *time.Time
	IsBroken            bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
