package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// urlPattern matches http/https URLs, www. URLs, and common TLD patterns.
	// The bare-domain variant requires a trailing "/" to avoid false positives
	// on version strings like "v2.0" or decimal numbers like "3.14".
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phonePattern matches various phone number formats such as:
	//   +1-555-123-4567, (555) 123-4567, 555.123.4567
	// Anchored to whitespace/string boundaries to avoid matching random digit
	// sequences embedded in normal words or short numbers like "100".
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

// spamChecks run in order; the first match wins.
var spamChecks = []struct {
	name  string
	match func(string) bool
}{
	{"url", urlPattern.MatchString},
	{"phone", phonePattern.MatchString},
	{"char_flood", hasCharFlood},
	{"word_flood", hasWordFlood},
}

// hasCharFlood reports 5 or more consecutive identical runes. RE2 has no
// backreferences, hence the scan.
func hasCharFlood(text string) bool {
	const threshold = 5

	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood reports the same whitespace-delimited word 3 or more times in a
// row, ignoring case.
func hasWordFlood(text string) bool {
	const threshold = 3

	words := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r)
	})
	if len(words) < threshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = lower
		}
	}
	return false
}

// checkSpamPatterns returns a blocking result for the first spam check that
// matches text.
func (f *Filter) checkSpamPatterns(text string) FilterResult {
	for _, sc := range spamChecks {
		if sc.match(text) {
			return FilterResult{
				Blocked: true,
				Reason:  "spam_pattern",
				Term:    sc.name,
			}
		}
	}
	return FilterResult{}
}
