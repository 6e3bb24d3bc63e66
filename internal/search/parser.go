package search

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"tglinks/internal/domain"
)

var ErrEmptyQuery = errors.New("empty query")

// Query is a parsed link search. Match is an FTS5 MATCH expression over stored URLs;
// Platform and ChatType come from platform: and type: qualifiers.
type Query struct {
	Match    string
	Platform domain.Platform
	ChatType domain.ChatType
}

type token struct {
	negative bool
	prefix   bool
	quoted   bool
	text     string
}

// Parse turns operator input such as `whatsapp -spam chan* platform:telegram` into a
// Query. Bare words are ANDed, a leading '-' negates, a trailing '*' is a prefix match and
// double quotes keep a phrase together.
func Parse(raw string) (Query, error) {
	tokens := parseTokens(raw)
	if len(tokens) == 0 {
		return Query{}, ErrEmptyQuery
	}

	var (
		q         Query
		positives []string
		negatives []string
	)
	for _, tok := range tokens {
		if !tok.quoted && !tok.negative {
			handled, err := applyQualifier(&q, tok.text)
			if err != nil {
				return Query{}, err
			}
			if handled {
				continue
			}
		}
		term := tokenToTerm(tok)
		if term == "" {
			continue
		}
		if tok.negative {
			negatives = append(negatives, term)
		} else {
			positives = append(positives, term)
		}
	}
	if len(positives) == 0 {
		if len(negatives) > 0 {
			return Query{}, errors.New("query requires at least one positive term")
		}
		if q.Platform == "" && q.ChatType == "" {
			return Query{}, ErrEmptyQuery
		}
		return q, nil
	}

	expression := strings.Join(positives, " AND ")
	for _, neg := range negatives {
		expression += " NOT " + neg
	}
	q.Match = expression
	return q, nil
}

func applyQualifier(q *Query, text string) (bool, error) {
	key, value, ok := strings.Cut(text, ":")
	if !ok {
		return false, nil
	}
	switch strings.ToLower(key) {
	case "platform":
		p, ok := domain.ParsePlatform(strings.ToLower(value))
		if !ok {
			return false, fmt.Errorf("unknown platform %q", value)
		}
		q.Platform = p
		return true, nil
	case "type", "chat_type":
		c, ok := domain.ParseChatType(strings.ToLower(value))
		if !ok {
			return false, fmt.Errorf("unknown chat type %q", value)
		}
		q.ChatType = c
		return true, nil
	}
	return false, nil
}

func parseTokens(raw string) []token {
	var (
		result   []token
		current  strings.Builder
		inQuotes bool
	)

	flush := func(neg, quoted bool) {
		text := strings.TrimSpace(current.String())
		current.Reset()
		if text == "" {
			return
		}
		tok := token{negative: neg, quoted: quoted}
		if strings.HasSuffix(text, "*") {
			tok.prefix = true
			text = strings.TrimSuffix(text, "*")
		}
		tok.text = sanitize(text)
		if tok.text != "" {
			result = append(result, tok)
		}
	}

	negative := false
	for _, r := range raw {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			if !inQuotes {
				flush(negative, true)
				negative = false
			}
		case unicode.IsSpace(r) && !inQuotes:
			flush(negative, false)
			negative = false
		case r == '-' && !inQuotes && current.Len() == 0:
			negative = true
		default:
			current.WriteRune(r)
		}
	}
	flush(negative, inQuotes)
	return result
}

func tokenToTerm(tok token) string {
	if tok.text == "" {
		return ""
	}
	if tok.prefix {
		return quote(tok.text) + "*"
	}
	return quote(tok.text)
}

func sanitize(input string) string {
	var b strings.Builder
	for _, r := range input {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(" _-./@:+", r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

func quote(v string) string {
	escaped := strings.ReplaceAll(v, `"`, `""`)
	return `"` + escaped + `"`
}
