package fetcher

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// headMeta holds the plain-HTML fallbacks for pages without Open Graph tags.
type headMeta struct {
	Title       string
	Description string
}

// parseHead reads <title> and <meta name="description"> (or twitter:*)
// from the document head. Parsing stops at <body>.
func parseHead(r io.Reader) headMeta {
	z := html.NewTokenizer(r)
	var data headMeta
	var twitterTitle, twitterDesc string

	for {
		switch z.Next() {
		case html.ErrorToken:
			return data.withFallbacks(twitterTitle, twitterDesc)

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := z.TagName()
			switch string(tn) {
			case "body":
				return data.withFallbacks(twitterTitle, twitterDesc)

			case "title":
				if data.Title == "" && z.Next() == html.TextToken {
					data.Title = strings.TrimSpace(string(z.Text()))
				}

			case "meta":
				if !hasAttr {
					continue
				}
				attrs := readAttrs(z)
				content := attrs["content"]
				switch strings.ToLower(attrs["name"]) {
				case "description":
					if data.Description == "" {
						data.Description = content
					}
				case "twitter:title":
					twitterTitle = content
				case "twitter:description":
					twitterDesc = content
				}
			}
		}
	}
}

func (h headMeta) withFallbacks(title, desc string) headMeta {
	if h.Title == "" {
		h.Title = title
	}
	if h.Description == "" {
		h.Description = desc
	}
	return h
}

// readAttrs collects all attributes from the current tag token.
func readAttrs(z *html.Tokenizer) map[string]string {
	attrs := make(map[string]string)
	for {
		key, val, more := z.TagAttr()
		if k := string(key); k != "" {
			attrs[k] = string(val)
		}
		if !more {
			break
		}
	}
	return attrs
}
