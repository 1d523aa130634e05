package domain

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	maxTitleLen = 50
	maxTagLen   = 15
	maxTagCount = 15
)

// NormalizeTitle trims the title, strips control characters and truncates
// to 50 runes. Applying it twice yields the same result.
func NormalizeTitle(title string) string {
	title = norm.NFC.String(title)
	title = strings.TrimSpace(title)
	out := make([]rune, 0, maxTitleLen)
	for _, r := range title {
		if unicode.IsControl(r) {
			continue
		}
		out = append(out, r)
		if len(out) == maxTitleLen {
			break
		}
	}
	return string(out)
}

// NormalizeTags splits on whitespace, keeps only alphanumeric runes per tag,
// lowercases, truncates each tag to 15 runes, drops empties, removes
// duplicates preserving first-seen order and caps the list at 15 tags.
func NormalizeTags(raw string) []string {
	unique := make([]string, 0, maxTagCount)
	for _, word := range strings.Fields(raw) {
		tag := make([]rune, 0, maxTagLen)
		for _, r := range word {
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
				continue
			}
			tag = append(tag, unicode.ToLower(r))
			if len(tag) == maxTagLen {
				break
			}
		}
		if len(tag) == 0 {
			continue
		}
		t := string(tag)
		seen := false
		for _, u := range unique {
			if u == t {
				seen = true
				break
			}
		}
		if seen {
			continue
		}
		unique = append(unique, t)
		if len(unique) == maxTagCount {
			break
		}
	}
	return unique
}
