// Package health re-probes cached URLs and flags the ones that keep failing.
package health

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"unicode/utf8"

	"github.com/enzyme/linkpreview/internal/cache"
	"github.com/enzyme/linkpreview/internal/probe"
)

const maxMessageRunes = 500

// Classify maps a probe outcome to an error type and message. A nil error
// with a status below 400 is healthy.
func Classify(err error, status int) (cache.ErrorType, string) {
	if err == nil {
		if status >= http.StatusBadRequest {
			return cache.ErrorHTTP, fmt.Sprintf("HTTP %d", status)
		}
		return cache.ErrorNone, ""
	}

	msg := truncate(err.Error())

	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, probe.ErrRedirectLoop):
		return cache.ErrorRedirectLoop, msg
	case errors.As(err, &dnsErr):
		return cache.ErrorDNS, msg
	case errors.Is(err, syscall.ECONNREFUSED):
		return cache.ErrorConnectionRefused, msg
	case isTLS(err):
		return cache.ErrorSSL, msg
	case isTimeout(err):
		return cache.ErrorTimeout, msg
	}
	return cache.ErrorUnknown, msg
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isTLS(err error) bool {
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalid          x509.CertificateInvalidError
		verification     *tls.CertificateVerificationError
		recordHeader     tls.RecordHeaderError
		alert            tls.AlertError
	)
	return errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostname) ||
		errors.As(err, &invalid) ||
		errors.As(err, &verification) ||
		errors.As(err, &recordHeader) ||
		errors.As(err, &alert)
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxMessageRunes {
		return s
	}
	return string([]rune(s)[:maxMessageRunes])
}
