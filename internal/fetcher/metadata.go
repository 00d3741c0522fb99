// Package fetcher resolves preview metadata for a URL from an ordered list
// of sources, stopping at the first result that passes the quality gate.
package fetcher

import (
	"html"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/enzyme/linkpreview/internal/cache"
)

const (
	maxTextRunes   = 500
	minTitleRunes  = 3
	maxStripPasses = 10
)

// placeholderPhrases mark anti-bot interstitials rather than real content.
var placeholderPhrases = []string{
	"just a moment",
	"please wait",
	"loading",
	"redirecting",
	"access denied",
}

var stripPolicy = bluemonday.StrictPolicy().AddSpaceWhenStrippingTag(true)

// Metadata is what a source returns for a URL.
type Metadata struct {
	Title       string
	Description string
	ImageURL    string
	SiteName    string
	RawMetadata string
	Source      cache.Source
}

// Fields converts m to the cache content fields.
func (m *Metadata) Fields() cache.Fields {
	return cache.Fields{
		Title:       m.Title,
		Description: m.Description,
		ImageURL:    m.ImageURL,
		SiteName:    m.SiteName,
		RawMetadata: m.RawMetadata,
		Source:      m.Source,
	}
}

// Sanitize returns a cleaned copy of m. Text fields are HTML-stripped,
// control-stripped, whitespace-collapsed and capped; URL fields that are not
// absolute http(s) URLs are cleared. RawMetadata is kept as is.
func Sanitize(m *Metadata) *Metadata {
	if m == nil {
		return nil
	}
	return &Metadata{
		Title:       CleanText(m.Title),
		Description: CleanText(m.Description),
		ImageURL:    CleanURL(m.ImageURL),
		SiteName:    CleanText(m.SiteName),
		RawMetadata: m.RawMetadata,
		Source:      m.Source,
	}
}

// CleanText strips markup and control characters from s, collapses runs of
// whitespace and truncates to the text cap.
func CleanText(s string) string {
	if s == "" {
		return ""
	}
	s = strings.Map(visibleRune, stripMarkup(s))
	s = strings.Join(strings.Fields(s), " ")
	return truncateRunes(s, maxTextRunes)
}

// stripMarkup unescapes and strips until the text stops changing, so markup
// hidden under several layers of entity encoding cannot reappear. Input
// nested deeper than maxStripPasses loses its angle brackets and ampersands.
func stripMarkup(s string) string {
	for i := 0; i < maxStripPasses; i++ {
		next := html.UnescapeString(stripPolicy.Sanitize(html.UnescapeString(s)))
		if next == s {
			return s
		}
		s = next
	}
	return strings.NewReplacer("<", "", ">", "", "&", "").Replace(s)
}

// visibleRune maps whitespace to a space and drops control and format runes.
func visibleRune(r rune) rune {
	switch {
	case r == utf8.RuneError:
		return -1
	case unicode.IsSpace(r):
		return ' '
	case unicode.IsControl(r), unicode.Is(unicode.Cf, r):
		return -1
	}
	return r
}

// CleanURL returns s if it is an absolute http or https URL, otherwise "".
func CleanURL(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return ""
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return u.String()
	}
	return ""
}

// IsValid is the quality gate. It rejects empty results, titles that are too
// short and titles that look like interstitial pages.
func IsValid(m *Metadata) bool {
	if m == nil {
		return false
	}
	if m.Title == "" && m.Description == "" && m.ImageURL == "" {
		return false
	}
	if m.Title == "" {
		return true
	}
	if utf8.RuneCountInString(m.Title) < minTitleRunes {
		return false
	}
	lower := strings.ToLower(m.Title)
	for _, phrase := range placeholderPhrases {
		if strings.Contains(lower, phrase) {
			return false
		}
	}
	return true
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n]))
}
