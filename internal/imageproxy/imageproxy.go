// Package imageproxy encodes image URLs into signed same-origin proxy paths.
package imageproxy

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
)

// PathPrefix is where the proxy endpoint is mounted.
const PathPrefix = "/api/image-proxy/"

// sigSize is the truncated HMAC length carried in a token.
const sigSize = 16

var ErrInvalidToken = errors.New("invalid image proxy token")

// Signer mints and verifies proxy tokens. Only URLs this service put into a
// preview carry a valid signature, so the proxy cannot be used as a relay
// for arbitrary images.
type Signer struct {
	key []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{key: []byte(secret)}
}

// NewSecret returns a random hex-encoded 256-bit key.
func NewSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Encode turns an image URL into a URL-safe token of the form
// base64url(url) "." base64url(mac).
func (s *Signer) Encode(imageURL string) string {
	payload := base64.RawURLEncoding.EncodeToString([]byte(imageURL))
	return payload + "." + base64.RawURLEncoding.EncodeToString(s.sign(payload))
}

// Decode verifies the signature and reverses Encode. Tokens that do not
// decode to an absolute http or https URL are rejected.
func (s *Signer) Decode(token string) (string, error) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok || payload == "" {
		return "", ErrInvalidToken
	}
	mac, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil || !hmac.Equal(mac, s.sign(payload)) {
		return "", ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", ErrInvalidToken
	}
	u, err := url.Parse(string(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", ErrInvalidToken
	}
	return string(raw), nil
}

// ProxyPath returns the proxy URL for imageURL under publicURL, or "" when
// there is no image.
func (s *Signer) ProxyPath(publicURL, imageURL string) string {
	if imageURL == "" {
		return ""
	}
	return strings.TrimRight(publicURL, "/") + PathPrefix + s.Encode(imageURL)
}

func (s *Signer) sign(payload string) []byte {
	m := hmac.New(sha256.New, s.key)
	m.Write([]byte(payload))
	return m.Sum(nil)[:sigSize]
}
