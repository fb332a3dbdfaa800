// Package moderation screens session chat messages before they are relayed.
// A Filter rejects blocklisted words and phrases (including simple leetspeak
// substitutions) and common spam patterns such as URLs, phone numbers and
// flooding.
package moderation

import (
	"strings"
	"unicode"
)

// FilterResult is the outcome of screening one message.
type FilterResult struct {
	Blocked bool
	Reason  string // "blocked_keyword" or "spam_pattern"
	Term    string // the matched term or spam check name
}

// defaultTerms is the built-in blocklist used by NewFilter.
var defaultTerms = []string{
	"kill yourself",
	"kys",
	"go die",
	"nigger",
	"faggot",
	"retard",
	"tranny",
	"send nudes",
}

// leet maps common character substitutions back to letters.
var leet = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
}

// Filter holds a compiled blocklist. It is read-only after construction and
// safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases [][]string
}

// NewFilter creates a Filter with the built-in blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms creates a Filter from terms. Terms containing spaces are
// matched as whole-word phrases; blank terms are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		fields := strings.Fields(strings.ToLower(term))
		switch len(fields) {
		case 0:
			continue
		case 1:
			f.words[fields[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, fields)
		}
	}
	return f
}

// Check screens text. Keyword matches take precedence over spam patterns.
func (f *Filter) Check(text string) FilterResult {
	plain := tokenizePlain(text)
	if r := f.checkTokens(plain); r.Blocked {
		return r
	}

	decoded := make([]string, 0, len(plain))
	for _, tok := range tokenizeLeet(text) {
		decoded = append(decoded, tokenizePlain(normalizeLeet(tok))...)
	}
	if r := f.checkTokens(decoded); r.Blocked {
		return r
	}

	return f.checkSpamPatterns(text)
}

func (f *Filter) checkTokens(tokens []string) FilterResult {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: tok}
		}
	}
	for _, phrase := range f.phrases {
		if containsSequence(tokens, phrase) {
			return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: strings.Join(phrase, " ")}
		}
	}
	return FilterResult{}
}

func containsSequence(tokens, seq []string) bool {
	if len(seq) == 0 || len(tokens) < len(seq) {
		return false
	}
outer:
	for i := 0; i+len(seq) <= len(tokens); i++ {
		for j := range seq {
			if tokens[i+j] != seq[j] {
				continue outer
			}
		}
		return true
	}
	return false
}

// normalizeLeet lowercases s and undoes leetspeak substitutions.
func normalizeLeet(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if sub, ok := leet[r]; ok {
			r = sub
		}
		b.WriteRune(r)
	}
	return b.String()
}

// tokenizePlain splits s into lowercase runs of letters and digits.
func tokenizePlain(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// tokenizeLeet splits s on whitespace and trailing punctuation only, keeping
// substitution characters inside words.
func tokenizeLeet(s string) []string {
	fields := strings.Fields(s)
	out := fields[:0]
	for _, f := range fields {
		f = strings.TrimRight(f, ".,;:?")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
