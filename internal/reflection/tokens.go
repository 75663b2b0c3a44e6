package reflection

import (
	"sort"
	"strings"
	"unicode"

	"github.com/nidhogg/mnemosyne/internal/ltm"
)

// sharedTermLimit caps how many terms a single cycle reinforces; pairwise
// reinforcement is quadratic in this number.
const sharedTermLimit = 8

var stopwords = map[string]struct{}{
	"about": {}, "after": {}, "again": {}, "because": {}, "been": {},
	"before": {}, "being": {}, "between": {}, "could": {}, "does": {},
	"doing": {}, "down": {}, "during": {}, "each": {}, "from": {},
	"have": {}, "having": {}, "here": {}, "into": {}, "just": {},
	"more": {}, "most": {}, "only": {}, "other": {}, "over": {},
	"same": {}, "should": {}, "some": {}, "such": {}, "than": {},
	"that": {}, "their": {}, "them": {}, "then": {}, "there": {},
	"these": {}, "they": {}, "this": {}, "those": {}, "through": {},
	"under": {}, "very": {}, "were": {}, "what": {},
	"when": {}, "where": {}, "which": {}, "while": {}, "will": {},
	"with": {}, "would": {}, "your": {},
}

// tokenize lowercases text and splits it into terms of four letters or
// more, dropping stopwords.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 4 {
			continue
		}
		if _, skip := stopwords[f]; skip {
			continue
		}
		out = append(out, f)
	}
	return out
}

// overlapTerms returns terms present in both texts, ordered lexically,
// capped at sharedTermLimit.
func overlapTerms(a, b string) []string {
	inFirst := make(map[string]struct{})
	for _, t := range tokenize(a) {
		inFirst[t] = struct{}{}
	}
	seen := make(map[string]struct{})
	var terms []string
	for _, t := range tokenize(b) {
		if _, ok := inFirst[t]; !ok {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}
	sort.Strings(terms)
	if len(terms) > sharedTermLimit {
		terms = terms[:sharedTermLimit]
	}
	return terms
}

// sharedTerms returns terms that appear in at least two distinct records,
// ordered by how many records contain them, capped at sharedTermLimit.
func sharedTerms(cluster []ltm.Record) []string {
	count := make(map[string]int)
	for _, r := range cluster {
		seen := make(map[string]struct{})
		for _, term := range tokenize(r.Text) {
			if _, dup := seen[term]; dup {
				continue
			}
			seen[term] = struct{}{}
			count[term]++
		}
	}
	var terms []string
	for term, n := range count {
		if n >= 2 {
			terms = append(terms, term)
		}
	}
	sort.Slice(terms, func(i, j int) bool {
		if count[terms[i]] != count[terms[j]] {
			return count[terms[i]] > count[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > sharedTermLimit {
		terms = terms[:sharedTermLimit]
	}
	return terms
}
