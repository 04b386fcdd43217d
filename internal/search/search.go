// Package search turns free text into index terms for article search.
package search

import (
	"regexp"
	"slices"
	"strings"
)

var (
	tagPattern      = regexp.MustCompile(`<[^>]*>`)
	separatorsRegex = regexp.MustCompile(`[^\p{L}\p{N}]+`)
)

// Common words that take up space but add little search value.
var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		a about above after again against all am an and any are as at
		be because been before being below between both but by
		can did do does doing don down during
		each few for from further
		had has have having he her here hers herself him himself his how
		i if in into is it its itself
		just me more most my myself
		no nor not now
		of off on once only or other our ours ourselves out over own
		s same she should so some such
		t than that the their theirs them themselves then there these they this those through to too
		under until up very
		was we were what when where which while who whom why will with
		you your yours yourself yourselves`) {
		stopWords[w] = struct{}{}
	}
}

// Tokenize breaks text into a set of unique, lowercase index terms.
//
// Markup is stripped, anything that isn't a letter or a digit separates terms,
// and single characters and stop words are dropped. The result is sorted.
func Tokenize(text string) []string {
	terms := []string{}
	if text == "" {
		return terms
	}

	clean := strings.ToLower(text)
	clean = tagPattern.ReplaceAllString(clean, " ")
	clean = separatorsRegex.ReplaceAllString(clean, " ")

	seen := map[string]struct{}{}
	for _, w := range strings.Fields(clean) {
		if len([]rune(w)) <= 1 {
			continue
		}
		if _, ok := stopWords[w]; ok {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		terms = append(terms, w)
	}
	slices.Sort(terms)

	return terms
}

// IsStopWord reports whether w is ignored by [Tokenize].
func IsStopWord(w string) bool {
	_, ok := stopWords[strings.ToLower(w)]
	return ok
}
