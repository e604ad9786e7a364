package memory

import (
	"strings"
	"unicode"
)

// Tokenize splits text into lexical tokens: runs of letters and digits, with
// every CJK character emitted as a token of its own.
func Tokenize(text string) []string {
	var tokens []string
	var b strings.Builder

	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}

	for _, r := range text {
		switch {
		case isCJK(r):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			flush()
		}
	}
	flush()

	return tokens
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// indexText is the form of a chunk's text stored in the full-text index.
func indexText(text string) string {
	return strings.Join(Tokenize(text), " ")
}

// matchExpression builds a conjunctive FTS5 query. It returns "" when the
// query has no tokens.
func matchExpression(query string) string {
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return ""
	}

	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = `"` + strings.ReplaceAll(tok, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " AND ")
}
