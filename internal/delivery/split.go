// ABOUTME: Splits long replies into transport-sized chunks
// ABOUTME: Cuts at the last newline, else the last space, else at the limit

package delivery

import (
	"strings"
	"unicode"
)

// Split breaks text into chunks of at most limit runes. Each cut prefers the
// last newline in the window, then the last space, then a hard cut. Chunks
// are trimmed of surrounding whitespace; empty chunks are dropped.
func Split(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for start := 0; start < len(runes); {
		for start < len(runes) && unicode.IsSpace(runes[start]) {
			start++
		}
		if start >= len(runes) {
			break
		}

		end := start + limit
		if end >= len(runes) {
			chunks = appendTrimmed(chunks, runes[start:])
			break
		}

		cut := lastIndex(runes[start:end], '\n')
		if cut <= 0 {
			cut = lastIndex(runes[start:end], ' ')
		}
		if cut <= 0 {
			cut = limit
		}

		chunks = appendTrimmed(chunks, runes[start:start+cut])
		start += cut
	}
	return chunks
}

func lastIndex(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}

func appendTrimmed(chunks []string, rs []rune) []string {
	if s := strings.TrimSpace(string(rs)); s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

// Truncate shortens s to at most limit runes, ending with an ellipsis when cut.
func Truncate(s string, limit int) string {
	runes := []rune(s)
	if limit <= 0 || len(runes) <= limit {
		return s
	}
	if limit == 1 {
		return "…"
	}
	return string(runes[:limit-1]) + "…"
}
