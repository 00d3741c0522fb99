package urlnorm

import (
	"regexp"
	"strings"
)

// urlPattern matches http(s) URLs and bare www. hosts up to the next
// whitespace or bracket.
var urlPattern = regexp.MustCompile(`(?i)(?:https?://|www\.)[^\s<>()\[\]{}"']+`)

// ExtractFirstURL returns the first well-formed URL in text with a scheme
// added when missing, or "".
func ExtractFirstURL(text string) string {
	for _, m := range urlPattern.FindAllString(text, -1) {
		// Strip trailing punctuation that is not part of URLs.
		u := strings.TrimRight(m, ".,;:!?")
		lower := strings.ToLower(u)
		if strings.HasPrefix(lower, "www.") {
			if len(u) <= len("www.") {
				continue
			}
			u = "https://" + u
		} else if lower == "http://" || lower == "https://" {
			continue
		}
		if Host(u) == "" {
			continue
		}
		return u
	}
	return ""
}
