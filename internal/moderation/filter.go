package moderation

import "strings"

// ContentFilter rejects user-supplied strings containing blocked words. The
// word list comes from configuration; matching is case-insensitive substring.
type ContentFilter struct {
	words []string
}

func NewContentFilter(blockedWords []string) ContentFilter {
	lowered := make([]string, 0, len(blockedWords))
	for _, w := range blockedWords {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			lowered = append(lowered, w)
		}
	}
	return ContentFilter{words: lowered}
}

// Check returns a ContentError for the first blocked word found in any input.
func (f ContentFilter) Check(inputs ...string) error {
	for _, in := range inputs {
		lowered := strings.ToLower(in)
		for _, w := range f.words {
			if strings.Contains(lowered, w) {
				return ContentError{Word: w}
			}
		}
	}
	return nil
}
