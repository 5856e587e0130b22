package util

import (
	"regexp"
	"strings"
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

func normalizeKeyPart(s string) string {
	return strings.TrimSpace(nonAlnum.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), " "))
}

// CanonicalKey identifies the same title across sources: the lowercased
// alphanumeric words of the title, plus "|author" when an author is known.
func CanonicalKey(title string, author *string) string {
	key := normalizeKeyPart(title)
	if author != nil {
		if a := normalizeKeyPart(*author); a != "" {
			return key + "|" + a
		}
	}
	return key
}
