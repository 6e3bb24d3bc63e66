package links

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const trailingPunctuation = ".,;:!?'\"»”’…"

// Closing brackets are only trimmed when the link has more of them than openers, so
// paths like /wiki/Go_(language) survive.
var bracketPairs = map[rune]rune{')': '(', ']': '[', '}': '{'}

var bareDomainPattern = regexp.MustCompile(`(?i)^(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,24}(?::\d{1,5})?(?:[/?#].*)?$`)

// Normalize makes a matched link comparable and storable. It trims whitespace, wrapping
// brackets and trailing punctuation, lowercases the scheme and host, and prefixes
// https:// onto www. and bare-domain strings. Paths keep their case; invite codes are
// case-sensitive. Anything else is returned trimmed.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimLeft(s, "<([{'\"«“")
	s = trimTrailing(s)
	if s == "" {
		return ""
	}

	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "https://"):
		return lowerHost("https://", s[len("https://"):])
	case strings.HasPrefix(lower, "http://"):
		return lowerHost("http://", s[len("http://"):])
	case strings.HasPrefix(lower, "www."), bareDomainPattern.MatchString(s):
		return lowerHost("https://", s)
	}
	return s
}

// lowerHost lowercases the authority of rest, leaving any userinfo, the path, query
// and fragment untouched.
func lowerHost(scheme, rest string) string {
	end := strings.IndexAny(rest, "/?#")
	if end < 0 {
		end = len(rest)
	}
	authority := rest[:end]
	hostStart := strings.LastIndexByte(authority, '@') + 1
	return scheme + authority[:hostStart] + strings.ToLower(authority[hostStart:]) + rest[end:]
}

func trimTrailing(s string) string {
	for s != "" {
		r, size := utf8.DecodeLastRuneInString(s)
		switch {
		case unicode.IsSpace(r), strings.ContainsRune(trailingPunctuation, r):
		case bracketPairs[r] != 0:
			if strings.Count(s, string(bracketPairs[r])) >= strings.Count(s, string(r)) {
				return s
			}
		default:
			return s
		}
		s = s[:len(s)-size]
	}
	return s
}
