// Package urlnorm canonicalizes URLs so that cosmetically different links
// share one cache entry.
package urlnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// trackingParams are query keys dropped during normalization. Any key with a
// utm_ prefix is dropped as well.
var trackingParams = map[string]struct{}{
	"ref":     {},
	"fbclid":  {},
	"gclid":   {},
	"msclkid": {},
	"mc_cid":  {},
	"mc_eid":  {},
}

// Normalize returns the canonical form of raw. If raw cannot be parsed it is
// returned unchanged.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return raw
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return raw
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	trimTrailingSlashes(u)

	u.RawQuery = cleanQuery(u.RawQuery)
	u.ForceQuery = false

	return u.String()
}

// trimTrailingSlashes drops literal trailing slashes from the path. It works
// on the escaped form so an encoded %2F at the end is kept. Repeated
// slashes collapse too, otherwise a second pass would strip another one.
func trimTrailingSlashes(u *url.URL) {
	escaped := u.EscapedPath()
	trimmed := strings.TrimRight(escaped, "/")
	if trimmed == escaped {
		return
	}
	path, err := url.PathUnescape(trimmed)
	if err != nil {
		return
	}
	u.Path = path
	u.RawPath = ""
	if u.EscapedPath() != trimmed {
		u.RawPath = trimmed
	}
}

type queryPair struct {
	key      string // decoded, used for sorting and the deny-list
	encoded  string
	hasValue bool
	value    string
}

// cleanQuery drops tracking keys and sorts what remains. Values keep their
// relative order within a key, and a key without "=" stays without one.
func cleanQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	var pairs []queryPair
	for _, part := range strings.Split(rawQuery, "&") {
		if part == "" {
			continue
		}
		rawKey, rawValue, hasValue := strings.Cut(part, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			return rawQuery
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return rawQuery
		}
		if isTrackingParam(key) {
			continue
		}
		pairs = append(pairs, queryPair{key: key, encoded: url.QueryEscape(key), hasValue: hasValue, value: value})
	}
	if len(pairs) == 0 {
		return ""
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })

	var b strings.Builder
	for _, p := range pairs {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.encoded)
		if p.hasValue {
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(p.value))
		}
	}
	return b.String()
}

func isTrackingParam(key string) bool {
	k := strings.ToLower(key)
	if strings.HasPrefix(k, "utm_") {
		return true
	}
	_, ok := trackingParams[k]
	return ok
}

// Hash returns the cache key for an already normalized URL.
func Hash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Host returns the lowercased hostname of raw without a leading "www.", or ""
// if raw has no host.
func Host(raw string) string {
	s := raw
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// Equal reports whether a and b normalize to the same string.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
