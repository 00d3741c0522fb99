package fetcher

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestCleanText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "Hello world", "Hello world"},
		{"tags stripped", "<p>Hello <b>world</b></p>", "Hello world"},
		{"script dropped", "Hi<script>alert(1)</script> there", "Hi there"},
		{"entities decoded", "Tom &amp; Jerry &quot;cartoon&quot;", `Tom & Jerry "cartoon"`},
		{"escaped markup stripped", "&lt;b&gt;bold&lt;/b&gt;", "bold"},
		{"control chars", "a\x00b\x07c", "abc"},
		{"whitespace collapsed", "  a \n\t  b   c  ", "a b c"},
		{"zero width removed", "a\u200bb", "ab"},
		{"double escaped markup stripped", "&amp;lt;script&amp;gt;alert(1)&amp;lt;/script&amp;gt; Title", "Title"},
		{"triple escaped markup stripped", "&amp;amp;lt;b&amp;amp;gt;bold&amp;amp;lt;/b&amp;amp;gt;", "bold"},
		{"bare angle bracket kept", "1 < 2 and 3 > 2", "1 < 2 and 3 > 2"},
		{"escaped ampersand text", "AT&amp;amp;T", "AT&T"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CleanText(tt.in)
			if got != tt.want {
				t.Errorf("CleanText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCleanText_Truncates(t *testing.T) {
	in := strings.Repeat("é", 800)
	got := CleanText(in)
	if n := utf8.RuneCountInString(got); n != maxTextRunes {
		t.Errorf("rune count = %d, want %d", n, maxTextRunes)
	}
}

func TestCleanText_Deterministic(t *testing.T) {
	in := "<div>  Some &amp; <i>text</i>\n</div>"
	first := CleanText(in)
	for i := 0; i < 5; i++ {
		if got := CleanText(in); got != first {
			t.Fatalf("CleanText not deterministic: %q vs %q", got, first)
		}
	}
}

func TestCleanText_Idempotent(t *testing.T) {
	inputs := []string{
		"&amp;lt;script&amp;gt;alert(1)&amp;lt;/script&amp;gt; Title",
		"&lt;img src=x onerror=alert(1)&gt;caption",
		"Tom &amp; Jerry",
		"<p>a &lt;b&gt; c</p>",
		"&amp;amp;amp;amp;amp;lt;i&amp;amp;amp;amp;amp;gt;deep",
		strings.Repeat("&amp;", 20) + "lt;i&gt;",
	}
	for _, in := range inputs {
		once := CleanText(in)
		if twice := CleanText(once); twice != once {
			t.Errorf("CleanText not idempotent for %q: %q then %q", in, once, twice)
		}
		if strings.Contains(once, "<script") || strings.Contains(once, "<img") || strings.Contains(once, "<i>") {
			t.Errorf("CleanText(%q) = %q still contains markup", in, once)
		}
	}
}

func TestCleanURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://example.com/img.png", "https://example.com/img.png"},
		{"http://example.com/a", "http://example.com/a"},
		{"  https://example.com/a  ", "https://example.com/a"},
		{"javascript:alert(1)", ""},
		{"data:image/png;base64,AAAA", ""},
		{"/relative/path.png", ""},
		{"ftp://example.com/file", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := CleanURL(tt.in); got != tt.want {
				t.Errorf("CleanURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	m := Sanitize(&Metadata{
		Title:       "<h1>Title</h1>",
		Description: "Line one\nline two",
		ImageURL:    "javascript:void(0)",
		SiteName:    " Site ",
		RawMetadata: `{"raw":true}`,
	})
	if m.Title != "Title" {
		t.Errorf("Title = %q", m.Title)
	}
	if m.Description != "Line one line two" {
		t.Errorf("Description = %q", m.Description)
	}
	if m.ImageURL != "" {
		t.Errorf("ImageURL = %q, want empty", m.ImageURL)
	}
	if m.SiteName != "Site" {
		t.Errorf("SiteName = %q", m.SiteName)
	}
	if m.RawMetadata != `{"raw":true}` {
		t.Errorf("RawMetadata changed: %q", m.RawMetadata)
	}

	if Sanitize(nil) != nil {
		t.Error("Sanitize(nil) should be nil")
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		m    *Metadata
		want bool
	}{
		{"nil", nil, false},
		{"all empty", &Metadata{SiteName: "Site"}, false},
		{"title only", &Metadata{Title: "Real article"}, true},
		{"image only", &Metadata{ImageURL: "https://example.com/a.png"}, true},
		{"description only", &Metadata{Description: "Something"}, true},
		{"short title", &Metadata{Title: "Hi", Description: "desc"}, false},
		{"three rune title", &Metadata{Title: "Go!"}, true},
		{"just a moment", &Metadata{Title: "Just a moment...", Description: "x"}, false},
		{"please wait", &Metadata{Title: "Please Wait while we check"}, false},
		{"loading", &Metadata{Title: "LOADING"}, false},
		{"redirecting", &Metadata{Title: "Redirecting you"}, false},
		{"access denied", &Metadata{Title: "Access Denied"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.m); got != tt.want {
				t.Errorf("IsValid = %v, want %v", got, tt.want)
			}
		})
	}
}
