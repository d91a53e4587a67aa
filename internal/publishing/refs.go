package publishing

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

var (
	wikilinkPattern     = regexp.MustCompile(`\[\[(.*?)\]\]`)
	markdownLinkPattern = regexp.MustCompile(`\[([^\]]*)\]\((https?://[^\s)]+)\)`)
	mentionPattern      = regexp.MustCompile(`(?:^|[^a-zA-Z0-9_.@])@([a-zA-Z0-9_.]+)`)
)

type refKind int

const (
	refPost refKind = iota
	refURL
	refTopic
)

// reference is one target parsed from the body
type reference struct {
	kind   refKind
	target string
	alias  string
}

// parseWikilinks reads [[target|alias]] tokens. A token may name several
// comma-separated targets that share the alias.
func parseWikilinks(body string) []reference {
	var refs []reference
	for _, m := range wikilinkPattern.FindAllStringSubmatch(body, -1) {
		targets, alias, _ := strings.Cut(m[1], "|")
		alias = strings.TrimSpace(alias)

		for _, raw := range strings.Split(targets, ",") {
			target := strings.TrimSpace(raw)
			if target == "" {
				continue
			}

			lower := strings.ToLower(target)
			switch {
			case strings.HasPrefix(lower, "post:"):
				refs = append(refs, reference{kind: refPost, target: strings.TrimSpace(target[len("post:"):]), alias: alias})
			case strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://"):
				refs = append(refs, reference{kind: refURL, target: target, alias: alias})
			default:
				refs = append(refs, reference{kind: refTopic, target: target, alias: alias})
			}
		}
	}
	return refs
}

// parseMarkdownLinks reads [text](https://...) links
func parseMarkdownLinks(body string) []reference {
	var refs []reference
	for _, m := range markdownLinkPattern.FindAllStringSubmatch(body, -1) {
		refs = append(refs, reference{kind: refURL, target: m[2], alias: strings.TrimSpace(m[1])})
	}
	return refs
}

// parseMentions returns the distinct handles after @, lowercased. The @ must
// start the body or follow a character that cannot be part of a handle, so
// email addresses are not mentions.
func parseMentions(body string) []string {
	seen := map[string]bool{}
	var handles []string
	for _, m := range mentionPattern.FindAllStringSubmatch(body, -1) {
		handle := strings.ToLower(strings.TrimRight(m[1], "."))
		if handle == "" || seen[handle] {
			continue
		}
		seen[handle] = true
		handles = append(handles, handle)
	}
	return handles
}

// isValidUUID accepts only the canonical 8-4-4-4-12 form
func isValidUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// slugify lowercases text, joins words with '-' and drops everything that
// is not a letter, digit or hyphen
func slugify(text string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(text)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			dash = false
		case r == '-' || unicode.IsSpace(r):
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}
