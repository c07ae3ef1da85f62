// Package safety implements the deterministic crisis backstop and the
// LLM-backed distress layer that together drive grounding mode.
package safety

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// crisisPhrases match anywhere in the normalized text.
var crisisPhrases = []string{
	"want to die",
	"kill myself",
	"end my life",
	"hurt myself",
	"self-harm",
	"self harm",
	"slit wrists",
	"no point in living",
	"can't do this anymore",
	"don't want to wake up",
	// spiritualized euphemisms
	"rest forever",
	"be with god",
	"be with jesus",
}

// crisisWordPatterns require word boundaries so that morphological
// near-misses ("overdosed") do not flag.
var crisisWordPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\boverdose\b`),
	regexp.MustCompile(`\bkms\b`),
	regexp.MustCompile(`\bkys\b`),
	regexp.MustCompile(`\bctb\b`),
}

// DetectCrisisKeywords reports whether text contains crisis language. It is a
// pure function with no cooldown; it runs on every message as a deterministic
// backstop beneath the LLM distress classifier. False positives are preferred
// over false negatives.
func DetectCrisisKeywords(text string) bool {
	if text == "" {
		return false
	}
	clean := normalizeForMatch(text)
	for _, phrase := range crisisPhrases {
		if strings.Contains(clean, phrase) {
			return true
		}
	}
	for _, pattern := range crisisWordPatterns {
		if pattern.MatchString(clean) {
			return true
		}
	}
	return false
}

// normalizeForMatch applies NFKC, strips zero-width characters, folds
// non-breaking-space variants and curly apostrophes, and lowercases.
func normalizeForMatch(text string) string {
	clean := norm.NFKC.String(text)
	clean = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\ufeff':
			return -1
		case '\u00a0', '\u202f', '\u2007':
			return ' '
		case '\u2018', '\u2019':
			return '\''
		}
		return r
	}, clean)
	return strings.ToLower(clean)
}
