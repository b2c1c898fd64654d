package livestate

import (
	"errors"
	"strings"
)

var errUnterminatedQuote = errors.New("unterminated quote")

// tokenize splits a dump line into words the way iptables-save quotes
// them: double-quoted words may contain spaces and backslash-escaped quotes
// and backslashes, single-quoted words are taken literally.
func tokenize(line string) ([]string, error) {
	var (
		tokens []string
		cur    strings.Builder
		inWord bool
		quote  rune
		escape bool
	)

	for _, c := range line {
		switch {
		case escape:
			cur.WriteRune(c)
			escape = false
		case quote == '"' && c == '\\':
			escape = true
		case quote != 0 && c == quote:
			quote = 0
		case quote != 0:
			cur.WriteRune(c)
		case c == '"' || c == '\'':
			quote = c
			inWord = true
		case c == ' ' || c == '\t':
			if inWord {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(c)
			inWord = true
		}
	}

	if quote != 0 || escape {
		return nil, errUnterminatedQuote
	}
	if inWord {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}
