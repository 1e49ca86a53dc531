package chat

import (
	"regexp"
	"strings"
)

// linkPattern matches http/https URLs, www. URLs, and bare domains on common
// TLDs. The bare-domain variant requires a trailing "/" so version strings
// like "v2.0" or decimals like "3.14" are not picked up.
var linkPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|dev|app)/\S*)`)

// Links returns the link-like substrings of text in order of appearance.
// Recognition is for display only; text is never rewritten or rejected
// because it contains links.
func Links(text string) []string {
	found := linkPattern.FindAllString(text, -1)
	for i, l := range found {
		found[i] = strings.TrimRight(l, ".,;:!?)\"'")
	}
	return found
}
