package publishing

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain text", "just words", "just words"},
		{"tags stripped", "<p>Hello <b>world</b></p>", "Hello world"},
		{"script dropped", "before<script>alert('x')</script>after", "beforeafter"},
		{"style dropped", "<style>p { color: red }</style>text", "text"},
		{"textarea dropped", "a<textarea><img src=x onerror=alert(1)></textarea>b", "ab"},
		{"entities kept encoded", "Tom &amp; Jerry", "Tom &amp; Jerry"},
		{"escaped script stays escaped", "hello &lt;script&gt;alert(1)&lt;/script&gt; world", "hello &lt;script&gt;alert(1)&lt;/script&gt; world"},
		{"escaped tag stays escaped", "&lt;img src=x onerror=alert(1)&gt;", "&lt;img src=x onerror=alert(1)&gt;"},
		{"comparison kept", "1 < 2 and 3 > 2", "1 < 2 and 3 > 2"},
		{"unterminated tag kept as text", "if a<b then c", "if a<b then c"},
		{"references kept", "[[post:abc|x]] @bob [a](https://example.com)", "[[post:abc|x]] @bob [a](https://example.com)"},
		{"comments dropped", "a<!-- hidden -->b", "ab"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitize(tt.input))
		})
	}
}

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		body     string
		expected string
	}{
		{"# Hello world\nbody", "Hello world"},
		{"\n\n#   Spaced   \nbody", "Spaced"},
		{"No heading\n# Later heading", ""},
		{"#NoSpace\nbody", ""},
		{"## Second level", ""},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, deriveTitle(tt.body), "body %q", tt.body)
	}
}

func TestReadingTime(t *testing.T) {
	assert.Equal(t, 1, readingTime("a few words"))
	assert.Equal(t, 1, readingTime(strings.Repeat("word ", 200)))
	assert.Equal(t, 2, readingTime(strings.Repeat("word ", 201)))
	assert.Equal(t, 3, readingTime(strings.Repeat("word ", 450)))
}

func TestParseWikilinks(t *testing.T) {
	id := uuid.NewString()
	body := "See [[post:" + id + "|prior work]], [[Distributed Systems, raft|consensus]] and [[https://example.com/a|Paper A]] [[ ]]"

	refs := parseWikilinks(body)

	assert.Equal(t, []reference{
		{kind: refPost, target: id, alias: "prior work"},
		{kind: refTopic, target: "Distributed Systems", alias: "consensus"},
		{kind: refTopic, target: "raft", alias: "consensus"},
		{kind: refURL, target: "https://example.com/a", alias: "Paper A"},
	}, refs)
}

func TestParseMarkdownLinks(t *testing.T) {
	refs := parseMarkdownLinks("Read [the paper](https://example.com/p) or [](http://example.org) but not [x](ftp://nope)")

	assert.Equal(t, []reference{
		{kind: refURL, target: "https://example.com/p", alias: "the paper"},
		{kind: refURL, target: "http://example.org", alias: ""},
	}, refs)
}

func TestParseMentions(t *testing.T) {
	assert.Equal(t, []string{"bob", "carol.smith", "dave_1"},
		parseMentions("@bob and @Bob, @carol.smith. cc @dave_1 @BOB"))
	assert.Empty(t, parseMentions("no mentions here"))
	assert.Empty(t, parseMentions("mail bob@example.com or x.@carol"))
	assert.Equal(t, []string{"dave", "erin"}, parseMentions("(@dave) bob@example.com\n@erin"))
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Distributed Systems", "distributed-systems"},
		{"  Raft  ", "raft"},
		{"C++ & Go!", "c-go"},
		{"already-slugged", "already-slugged"},
		{"a -- b", "a-b"},
		{"Über Café", "über-café"},
		{"!!!", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, slugify(tt.input), "input %q", tt.input)
	}
}

func TestIsValidUUID(t *testing.T) {
	assert.True(t, isValidUUID(uuid.NewString()))
	assert.False(t, isValidUUID("not-a-uuid"))
	assert.False(t, isValidUUID("{"+uuid.NewString()+"}"))
	assert.False(t, isValidUUID(""))
}

type stubLanguageHistory struct {
	lang string
}

func (s stubLanguageHistory) MostCommonLanguage(ctx context.Context, authorID string) (string, error) {
	return s.lang, nil
}

func TestStopwordDetector_Detect(t *testing.T) {
	german := "Der Hund und die Katze sind nicht im Haus"
	english := strings.Repeat("The cat is on the mat and it is not moving. ", 6)

	tests := []struct {
		name     string
		text     string
		profile  []string
		history  string
		wantLang string
		wantConf float64
	}{
		{name: "short text uses profile", text: "Hi @x", profile: []string{"fr"}, wantLang: "fr", wantConf: 0.4},
		{name: "short text uses default", text: "[[topic]] ok", wantLang: "en", wantConf: 0.3},
		{name: "long text is trusted", text: english, wantLang: "en", wantConf: 0.95},
		{name: "profile confirms guess", text: german, profile: []string{"de", "en"}, wantLang: "de", wantConf: 0.7},
		{name: "profile overrides guess", text: german, profile: []string{"fr"}, wantLang: "fr", wantConf: 0.5},
		{name: "history when no profile", text: german, history: "es", wantLang: "es", wantConf: 0.5},
		{name: "guess when nothing else", text: german, wantLang: "de", wantConf: 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewStopwordDetector(stubLanguageHistory{lang: tt.history}, "en", nil)
			lang, conf := d.Detect(context.Background(), tt.text, "author", tt.profile)
			assert.Equal(t, tt.wantLang, lang)
			assert.InDelta(t, tt.wantConf, conf, 1e-9)
		})
	}
}
