package publishing

import (
	"context"
	"regexp"
	"slices"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"
)

// LanguageDetector picks the language of a new item
type LanguageDetector interface {
	Detect(ctx context.Context, text, authorID string, profileLanguages []string) (string, float64)
}

// LanguageHistory returns the language an author writes in most
type LanguageHistory interface {
	MostCommonLanguage(ctx context.Context, authorID string) (string, error)
}

var languageCleaners = []*regexp.Regexp{
	regexp.MustCompile(`\[\[.*?\]\]`),
	regexp.MustCompile(`\[.*?\]\(.*?\)`),
	regexp.MustCompile(`https?://\S+`),
	regexp.MustCompile(`#+\s*`),
	regexp.MustCompile(`\*\*.*?\*\*`),
	regexp.MustCompile(`_.*?_`),
}

var stopwords = map[string][]string{
	"en": {"the", "and", "is", "of", "to", "in", "that", "it", "was", "for", "with", "this", "are", "on", "not", "you", "be", "have"},
	"de": {"der", "die", "und", "ist", "das", "nicht", "ich", "mit", "sie", "ein", "eine", "zu", "auf", "den", "auch", "sich", "es"},
	"fr": {"le", "la", "les", "et", "est", "des", "une", "un", "pas", "que", "pour", "dans", "je", "qui", "sur", "avec", "du"},
	"es": {"el", "la", "los", "las", "y", "es", "que", "de", "una", "un", "por", "para", "con", "no", "en", "del", "se"},
	"it": {"il", "lo", "la", "gli", "e", "che", "di", "non", "una", "un", "per", "con", "sono", "della", "questo", "anche"},
	"pt": {"o", "os", "as", "e", "que", "de", "não", "uma", "um", "para", "com", "em", "do", "da", "mais", "isso", "se"},
	"nl": {"de", "het", "een", "en", "is", "van", "niet", "dat", "ik", "je", "met", "op", "zijn", "voor", "ook", "maar"},
}

// StopwordDetector guesses the language from stopword frequency and falls
// back to the author's profile and history when unsure
type StopwordDetector struct {
	history     LanguageHistory
	defaultLang string
	supported   []string
}

// Ensure StopwordDetector implements LanguageDetector
var _ LanguageDetector = (*StopwordDetector)(nil)

// NewStopwordDetector creates a detector. history may be nil.
func NewStopwordDetector(history LanguageHistory, defaultLang string, supported []string) *StopwordDetector {
	if defaultLang == "" {
		defaultLang = "en"
	}
	return &StopwordDetector{history: history, defaultLang: defaultLang, supported: supported}
}

func (d *StopwordDetector) Detect(ctx context.Context, text, authorID string, profileLanguages []string) (string, float64) {
	clean := cleanForDetection(text)

	if runeLen(clean) < 10 {
		if len(profileLanguages) > 0 {
			return profileLanguages[0], 0.4
		}
		return d.defaultLang, 0.3
	}

	lang := d.guess(clean)
	confidence := min(0.95, max(0.5, float64(runeLen(clean))/200))
	if confidence >= 0.6 {
		return lang, confidence
	}

	if len(profileLanguages) > 0 {
		if slices.Contains(profileLanguages, lang) {
			return lang, min(0.8, confidence+0.2)
		}
		return profileLanguages[0], 0.5
	}

	if d.history != nil && authorID != "" {
		common, err := d.history.MostCommonLanguage(ctx, authorID)
		if err != nil {
			logrus.Warnf("Failed to read language history for %s: %v", authorID, err)
		} else if common != "" {
			return common, 0.5
		}
	}

	return lang, confidence
}

// guess returns the language with the most stopword hits
func (d *StopwordDetector) guess(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})

	best, bestHits := d.defaultLang, 0
	for _, lang := range d.candidates() {
		hits := 0
		for _, w := range words {
			if slices.Contains(stopwords[lang], w) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = lang, hits
		}
	}
	return best
}

func (d *StopwordDetector) candidates() []string {
	langs := make([]string, 0, len(stopwords))
	for _, lang := range []string{"en", "de", "fr", "es", "it", "pt", "nl"} {
		if len(d.supported) == 0 || slices.Contains(d.supported, lang) {
			langs = append(langs, lang)
		}
	}
	return langs
}

func cleanForDetection(text string) string {
	for _, re := range languageCleaners {
		text = re.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(text)
}
