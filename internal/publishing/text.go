package publishing

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var titlePattern = regexp.MustCompile(`^#\s+(.+)$`)

const wordsPerMinute = 200

// deriveTitle returns the heading on the first non-blank line, if any
func deriveTitle(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := titlePattern.FindStringSubmatch(line); m != nil {
			return strings.TrimSpace(m[1])
		}
		return ""
	}
	return ""
}

// readingTime estimates whole minutes to read body
func readingTime(body string) int {
	words := len(strings.Fields(body))
	return (words + wordsPerMinute - 1) / wordsPerMinute
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
