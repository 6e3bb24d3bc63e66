package links

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf16"

	"tglinks/internal/domain"
)

const minDomainMatchLen = 6

var (
	schemeURLPattern = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"'` + "`" + `]+`)
	wwwURLPattern    = regexp.MustCompile(`(?i)\bwww\.[^\s<>"'` + "`" + `]+`)
	domainURLPattern = regexp.MustCompile(`(?i)\b(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,24}\b(?:/[^\s<>"'` + "`" + `]*)?`)
)

// File extensions that look like top-level domains in plain text.
var fileLikeTLDs = map[string]struct{}{
	"pdf": {}, "doc": {}, "docx": {}, "xls": {}, "xlsx": {}, "txt": {},
	"jpg": {}, "jpeg": {}, "png": {}, "gif": {}, "mp3": {}, "mp4": {}, "exe": {},
}

type span struct{ start, end int }

// MatchText finds candidate links in free text: scheme URLs, www. strings and bare
// domain tokens of at least six characters. A span claimed by an earlier rule is not
// matched again by a later one.
func MatchText(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	set := map[string]struct{}{}
	var taken []span

	for _, loc := range schemeURLPattern.FindAllStringIndex(text, -1) {
		set[text[loc[0]:loc[1]]] = struct{}{}
		taken = append(taken, span{loc[0], loc[1]})
	}
	for _, loc := range wwwURLPattern.FindAllStringIndex(text, -1) {
		if overlaps(taken, loc) {
			continue
		}
		set[text[loc[0]:loc[1]]] = struct{}{}
		taken = append(taken, span{loc[0], loc[1]})
	}
	for _, loc := range domainURLPattern.FindAllStringIndex(text, -1) {
		if overlaps(taken, loc) {
			continue
		}
		if loc[0] > 0 && (text[loc[0]-1] == '@' || text[loc[0]-1] == '.') {
			continue
		}
		candidate := text[loc[0]:loc[1]]
		if len(candidate) < minDomainMatchLen || hasFileLikeTLD(candidate) {
			continue
		}
		set[candidate] = struct{}{}
	}
	return sortedKeys(set)
}

// ExtractMessage collects candidates from every surface of a message: its text, hidden
// and literal link entities, and inline buttons. Malformed parts are skipped.
func ExtractMessage(msg domain.Message) []string {
	set := map[string]struct{}{}
	for _, candidate := range MatchText(msg.Text) {
		set[candidate] = struct{}{}
	}
	for _, candidate := range entityURLs(msg.Text, msg.Entities) {
		set[candidate] = struct{}{}
	}
	for _, button := range msg.Buttons {
		if url := strings.TrimSpace(button.URL); url != "" {
			set[url] = struct{}{}
		}
	}
	return sortedKeys(set)
}

func entityURLs(text string, entities []domain.Entity) []string {
	if len(entities) == 0 {
		return nil
	}
	var encoded []uint16
	out := make([]string, 0, len(entities))
	for _, entity := range entities {
		switch entity.Kind {
		case domain.EntityTextURL:
			if url := strings.TrimSpace(entity.URL); url != "" {
				out = append(out, url)
			}
		case domain.EntityURL:
			if encoded == nil {
				encoded = utf16.Encode([]rune(text))
			}
			if slice, ok := sliceUTF16(encoded, entity.Offset, entity.Length); ok {
				if url := strings.TrimSpace(slice); url != "" {
					out = append(out, url)
				}
			}
		}
	}
	return out
}

func sliceUTF16(encoded []uint16, offset, length int) (string, bool) {
	if offset < 0 || length <= 0 || offset+length > len(encoded) {
		return "", false
	}
	return string(utf16.Decode(encoded[offset : offset+length])), true
}

func overlaps(taken []span, loc []int) bool {
	for _, s := range taken {
		if loc[0] < s.end && loc[1] > s.start {
			return true
		}
	}
	return false
}

func hasFileLikeTLD(candidate string) bool {
	host := candidate
	if idx := strings.IndexByte(host, '/'); idx >= 0 {
		host = host[:idx]
	}
	dot := strings.LastIndexByte(host, '.')
	if dot < 0 {
		return false
	}
	_, ok := fileLikeTLDs[strings.ToLower(host[dot+1:])]
	return ok
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
