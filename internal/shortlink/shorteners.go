// Package shortlink expands cached URLs on known shortener domains to their
// final destination.
package shortlink

import "strings"

// shorteners are hosts whose links only redirect elsewhere. Canonical short
// domains that serve content themselves (youtu.be, redd.it, git.io) are not
// listed.
var shorteners = map[string]struct{}{
	"t.co":        {},
	"bit.ly":      {},
	"tinyurl.com": {},
	"goo.gl":      {},
	"ow.ly":       {},
	"buff.ly":     {},
	"is.gd":       {},
	"t.ly":        {},
	"rebrand.ly":  {},
	"cutt.ly":     {},
	"shorturl.at": {},
	"tiny.cc":     {},
	"lnkd.in":     {},
	"dlvr.it":     {},
	"bl.ink":      {},
	"rb.gy":       {},
	"s.id":        {},
	"trib.al":     {},
	"fb.me":       {},
	"amzn.to":     {},
}

// IsShortener reports whether host is a known shortener. A leading "www."
// is ignored.
func IsShortener(host string) bool {
	host = strings.TrimPrefix(strings.ToLower(strings.TrimSuffix(host, ".")), "www.")
	_, ok := shorteners[host]
	return ok
}

// Hosts returns the shortener hosts in no particular order.
func Hosts() []string {
	hosts := make([]string, 0, len(shorteners))
	for h := range shorteners {
		hosts = append(hosts, h)
	}
	return hosts
}
