package chunker

import (
	"strings"
	"unicode/utf8"
)

// TokenEstimator counts model tokens in a piece of text. Embedding models
// tokenize differently, so the count is an estimate supplied per deployment.
type TokenEstimator interface {
	Estimate(text string) int
}

// WordEstimator counts whitespace-separated words.
type WordEstimator struct{}

func (WordEstimator) Estimate(text string) int {
	return len(strings.Fields(text))
}

// CharRatioEstimator approximates subword tokenizers at CharsPerToken runes per token.
type CharRatioEstimator struct {
	CharsPerToken int
}

func (e CharRatioEstimator) Estimate(text string) int {
	ratio := e.CharsPerToken
	if ratio <= 0 {
		ratio = 4
	}
	n := utf8.RuneCountInString(strings.TrimSpace(text))
	if n == 0 {
		return 0
	}
	return (n + ratio - 1) / ratio
}

// EstimatorByName returns the estimator registered under name ("word" or "char").
func EstimatorByName(name string) (TokenEstimator, bool) {
	switch name {
	case "", "word":
		return WordEstimator{}, true
	case "char":
		return CharRatioEstimator{CharsPerToken: 4}, true
	}
	return nil, false
}
