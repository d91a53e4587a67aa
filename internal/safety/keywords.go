package safety

import (
	"fmt"
	"strings"

	"github.com/citewalk/content-pipeline/internal/models"
)

type keywordCategory struct {
	label    string
	code     models.ReasonCode
	keywords []string
}

// Checked in order; the first matching category supplies the reason code
var keywordCategories = []keywordCategory{
	{"violence", models.ReasonViolence, []string{"kill", "murder", "violence", "attack", "harm", "hurt"}},
	{"harassment", models.ReasonHarassment, []string{"harass", "bully", "threaten", "intimidate"}},
	{"hate speech", models.ReasonHate, []string{"hate", "racist", "discriminate", "slur"}},
}

// keywordVerdict is the local fallback used when the remote classifier is unavailable
func keywordVerdict(text string) Verdict {
	words := tokenize(text)

	var labels []string
	var code models.ReasonCode
	for _, cat := range keywordCategories {
		if matchesPrefix(words, cat.keywords) {
			if code == "" {
				code = cat.code
			}
			labels = append(labels, cat.label)
		}
	}

	if len(labels) == 0 {
		return Verdict{Safe: true, Confidence: 0.6}
	}

	return Verdict{
		Safe:       false,
		ReasonCode: code,
		Reason:     fmt.Sprintf("Content contains %s.", strings.Join(labels, ", ")),
		Confidence: 0.7,
	}
}

func matchesPrefix(words, keywords []string) bool {
	for _, w := range words {
		for _, kw := range keywords {
			if strings.HasPrefix(w, kw) {
				return true
			}
		}
	}
	return false
}
