package imageproxy

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestEncodeDecode(t *testing.T) {
	s := NewSigner(testSecret)
	urls := []string{
		"https://cdn.example.com/a.png",
		"https://example.com/img?w=100&h=50#frag",
		"http://example.com/päth/ü.jpg",
	}
	for _, u := range urls {
		token := s.Encode(u)
		if strings.ContainsAny(token, "+/=") {
			t.Errorf("token %q is not URL-safe", token)
		}
		got, err := s.Decode(token)
		if err != nil {
			t.Fatalf("Decode(%q): %v", token, err)
		}
		if got != u {
			t.Errorf("round trip = %q, want %q", got, u)
		}
	}
}

func TestDecode_Invalid(t *testing.T) {
	s := NewSigner(testSecret)
	unsigned := base64.RawURLEncoding.EncodeToString([]byte("https://evil.example.com/a.png"))
	good := s.Encode("https://cdn.example.com/a.png")
	_, goodSig, _ := strings.Cut(good, ".")

	tests := map[string]string{
		"empty":         "",
		"not base64":    "!!!",
		"unsigned":      unsigned,
		"empty sig":     unsigned + ".",
		"swapped url":   unsigned + "." + goodSig,
		"bad sig chars": unsigned + ".!!!",
		"other key":     NewSigner("another-secret-another-secret-xx").Encode("https://cdn.example.com/a.png"),
		"file scheme":   s.Encode("file:///etc/passwd"),
		"relative":      s.Encode("/images/a.png"),
		"no host":       s.Encode("https://"),
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Decode(token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Decode(%q) error = %v, want ErrInvalidToken", token, err)
			}
		})
	}
}

func TestDecode_TamperedSignature(t *testing.T) {
	s := NewSigner(testSecret)
	payload, sig, _ := strings.Cut(s.Encode("https://cdn.example.com/a.png"), ".")
	flipped := "A"
	if sig[0] == 'A' {
		flipped = "B"
	}
	if _, err := s.Decode(payload + "." + flipped + sig[1:]); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("tampered token error = %v, want ErrInvalidToken", err)
	}
}

func TestProxyPath(t *testing.T) {
	s := NewSigner(testSecret)
	got := s.ProxyPath("https://previews.example.com/", "https://cdn.example.com/a.png")
	want := "https://previews.example.com/api/image-proxy/" + s.Encode("https://cdn.example.com/a.png")
	if got != want {
		t.Errorf("ProxyPath = %q, want %q", got, want)
	}
	if s.ProxyPath("https://previews.example.com", "") != "" {
		t.Error("expected empty path without an image")
	}
}
