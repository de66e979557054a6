package util

import (
	"regexp"
	"strings"
)

// Precompiled patterns for reasoning-tag detection. Reasoning-tuned
// policy models emit their chain of thought inside these tags; the
// reward model must only ever see the final answer, so candidates are
// stripped before scoring.
var (
	// Matches think/thinking tag pairs in either spelling
	thinkTagRegex = regexp.MustCompile(`(?i)<think(?:ing)?>([\s\S]*?)</think(?:ing)?>`)
	// Some Chinese models use a localized tag
	chineseThinkTagRegex = regexp.MustCompile(`(?i)<思考>([\s\S]*?)</思考>`)
	// An unterminated opening tag means generation was cut off inside
	// the reasoning block; everything from the tag onward is reasoning
	danglingThinkRegex = regexp.MustCompile(`(?i)<think(?:ing)?>[\s\S]*$`)
)

// ContainsThinkTags reports whether the candidate contains reasoning tags
func ContainsThinkTags(candidate string) bool {
	return thinkTagRegex.MatchString(candidate) || chineseThinkTagRegex.MatchString(candidate)
}

// StripThinkTags removes reasoning tags and their content, returning
// only the final answer text. Unclosed tags (truncated generations)
// drop everything from the opening tag onward.
func StripThinkTags(candidate string) string {
	result := thinkTagRegex.ReplaceAllString(candidate, "")
	result = chineseThinkTagRegex.ReplaceAllString(result, "")
	result = danglingThinkRegex.ReplaceAllString(result, "")
	return strings.TrimSpace(result)
}

// StripCandidates applies StripThinkTags to every candidate in place
// and reports how many contained reasoning tags
func StripCandidates(candidates []string) int {
	stripped := 0
	for i, c := range candidates {
		if ContainsThinkTags(c) || danglingThinkRegex.MatchString(c) {
			candidates[i] = StripThinkTags(c)
			stripped++
		}
	}
	return stripped
}
