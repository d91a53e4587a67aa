package safety

import (
	"context"
	"strings"
)

// HistoryReader returns the bodies of an author's recent live posts and replies
type HistoryReader interface {
	RecentBodies(ctx context.Context, authorID, excludeID string, limit int) ([]string, error)
}

func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// jaccard compares the word sets of two normalized strings
func jaccard(a, b string) float64 {
	if a == b {
		return 1
	}

	setA := map[string]struct{}{}
	for _, w := range strings.Split(a, " ") {
		setA[w] = struct{}{}
	}
	setB := map[string]struct{}{}
	for _, w := range strings.Split(b, " ") {
		setB[w] = struct{}{}
	}

	inter := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// countRepeats returns how many of history are near-duplicates of text
func countRepeats(text string, history []string, threshold float64) int {
	norm := normalize(text)
	count := 0
	for _, body := range history {
		if jaccard(norm, normalize(body)) >= threshold {
			count++
		}
	}
	return count
}
