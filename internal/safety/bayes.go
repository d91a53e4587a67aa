package safety

import (
	"math"
	"strings"
	"sync"
	"unicode"
)

var spamSeeds = []string{
	"buy now click here",
	"free money guaranteed",
	"click this link now",
	"limited time offer",
	"act now before its too late",
	"you have won a prize",
	"congratulations you are selected",
}

var hamSeeds = []string{
	"this is a great article about technology",
	"i enjoyed reading your post",
	"thanks for sharing your thoughts",
	"what do you think about this topic",
	"i agree with your perspective",
	"this is interesting information",
	"can you explain more about this",
}

const (
	classSpam = iota
	classHam
)

// spamModel is a multinomial naive Bayes model with Laplace smoothing.
// It is read-only after training.
type spamModel struct {
	counts [2]map[string]int
	totals [2]int
	docs   [2]int
	vocab  map[string]struct{}
}

var seedModel = sync.OnceValue(func() *spamModel {
	return trainSpamModel(spamSeeds, hamSeeds)
})

func trainSpamModel(spam, ham []string) *spamModel {
	m := &spamModel{
		counts: [2]map[string]int{{}, {}},
		vocab:  map[string]struct{}{},
	}
	for class, docs := range [2][]string{spam, ham} {
		for _, doc := range docs {
			m.docs[class]++
			for _, tok := range tokenize(doc) {
				m.counts[class][tok]++
				m.totals[class]++
				m.vocab[tok] = struct{}{}
			}
		}
	}
	return m
}

// SpamProbability returns P(spam | text). Words outside the training
// vocabulary carry no evidence, so text with no known words scores the prior.
func (m *spamModel) SpamProbability(text string) float64 {
	totalDocs := m.docs[classSpam] + m.docs[classHam]
	if totalDocs == 0 {
		return 0.5
	}

	v := float64(len(m.vocab))
	var logp [2]float64
	for class := range logp {
		logp[class] = math.Log(float64(m.docs[class]) / float64(totalDocs))
	}

	for _, tok := range tokenize(text) {
		if _, ok := m.vocab[tok]; !ok {
			continue
		}
		for class := range logp {
			logp[class] += math.Log((float64(m.counts[class][tok]) + 1) / (float64(m.totals[class]) + v))
		}
	}

	return 1 / (1 + math.Exp(logp[classHam]-logp[classSpam]))
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
