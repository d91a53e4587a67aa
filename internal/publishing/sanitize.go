package publishing

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// sanitize strips every markup tag and keeps the text between them exactly
// as written. Entities are not decoded, so escaped markup stays escaped. The
// contents of raw text elements such as script and style are dropped, and an
// unterminated tag at the end of the body is kept as text.
func sanitize(body string) string {
	z := html.NewTokenizer(strings.NewReader(body))

	var b strings.Builder
	dropText := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF && !dropText {
				b.Write(z.Raw())
			}
			return b.String()
		case html.TextToken:
			if !dropText {
				b.Write(z.Raw())
			}
		case html.StartTagToken:
			// the tokenizer hands back a raw text element's body as a single
			// text token, closing tag excluded
			dropText = isRawTextTag(z)
			continue
		}
		dropText = false
	}
}

func isRawTextTag(z *html.Tokenizer) bool {
	name, _ := z.TagName()
	switch string(name) {
	case "script", "style", "iframe", "noembed", "noframes", "noscript",
		"plaintext", "textarea", "title", "xmp":
		return true
	}
	return false
}
