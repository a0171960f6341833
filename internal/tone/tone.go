// Package tone provides lexical softening of user text: a small fixed mapping
// of sensitive words to gentler synonyms, applied before the text enters the
// conversation transcript or is shown to the generation service.
package tone

import (
	"regexp"
	"sort"
)

// DefaultReplacements is the built-in softening mapping.
var DefaultReplacements = map[string]string{
	"hopeless":  "emotionally drained",
	"depressed": "feeling low",
}

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Softener applies case-insensitive word replacements to text.
type Softener struct {
	rules []rule
}

// NewSoftener compiles a softener from a word-to-replacement mapping.
// A nil or empty mapping falls back to DefaultReplacements.
func NewSoftener(replacements map[string]string) *Softener {
	if len(replacements) == 0 {
		replacements = DefaultReplacements
	}

	// Sort trigger words so rule order is deterministic.
	words := make([]string, 0, len(replacements))
	for w := range replacements {
		words = append(words, w)
	}
	sort.Strings(words)

	rules := make([]rule, 0, len(words))
	for _, w := range words {
		// Substring match, case-insensitive. The trigger word is quoted so
		// configured words are always treated literally.
		re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(w))
		rules = append(rules, rule{pattern: re, replacement: replacements[w]})
	}
	return &Softener{rules: rules}
}

// Soften replaces every occurrence of each configured trigger word with its
// replacement. Text without matches is returned unchanged.
func (s *Softener) Soften(text string) string {
	for _, r := range s.rules {
		text = r.pattern.ReplaceAllString(text, r.replacement)
	}
	return text
}
