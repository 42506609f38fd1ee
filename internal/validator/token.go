package validator

import (
	"fmt"
	"strings"
)

// tokenType classifies a lexical token of the submitted source.
type tokenType int

const (
	tokName   tokenType = iota // identifier or keyword
	tokNumber                  // numeric literal
	tokString                  // string literal (any prefix/quote style)
	tokOp                      // operator or punctuation
)

// token is one lexical unit with its source position (1-based).
type token struct {
	typ     tokenType
	value   string // for strings: the literal's inner text, prefixes and quotes stripped
	fstring bool   // string literal carried an f/F prefix
	line    int
	col     int
}

// syntaxError marks source the tokenizer cannot lex: unterminated
// strings, unbalanced brackets, stray characters.
type syntaxError struct {
	msg  string
	line int
	col  int
}

func (e *syntaxError) Error() string {
	return fmt.Sprintf("line %d col %d: %s", e.line, e.col, e.msg)
}

// stringPrefixes are the literal prefixes Python accepts, longest first.
var stringPrefixes = []string{
	"rb", "br", "Rb", "rB", "bR", "Br", "BR", "RB",
	"rf", "fr", "Rf", "rF", "fR", "Fr", "FR", "RF",
	"r", "b", "f", "u", "R", "B", "F", "U",
}

// tokenize lexes Python source into a flat token stream. Comments and
// whitespace are discarded; indentation is irrelevant for the structural
// checks performed on the stream, so INDENT/DEDENT are not produced.
// Bracket balance is verified here since the structural scan depends on
// the source being well formed at this level.
func tokenize(src string) ([]token, error) {
	var (
		toks    []token
		line    = 1
		col     = 1
		i       = 0
		n       = len(src)
		binStack []byte // open bracket stack
	)

	advance := func(k int) {
		for j := 0; j < k && i < n; j++ {
			if src[i] == '\n' {
				line++
				col = 1
			} else {
				col++
			}
			i++
		}
	}

	for i < n {
		c := src[i]

		// Whitespace and line continuations carry no structure we need.
		if c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == '\f' {
			advance(1)
			continue
		}
		if c == '\\' && i+1 < n && (src[i+1] == '\n' || src[i+1] == '\r') {
			advance(2)
			continue
		}

		// Comment runs to end of line.
		if c == '#' {
			for i < n && src[i] != '\n' {
				advance(1)
			}
			continue
		}

		// String literal, possibly with a prefix.
		if rest := src[i:]; isStringStart(rest) {
			startLine, startCol := line, col
			prefix := matchPrefix(rest)
			q := rest[len(prefix):]
			quote, width := quoteOf(q)
			if quote != "" {
				advance(len(prefix) + width)
				raw := strings.ContainsAny(prefix, "rR")
				body, consumed, ok := scanString(src[i:], quote, raw)
				if !ok {
					return nil, &syntaxError{msg: "unterminated string literal", line: startLine, col: startCol}
				}
				advance(consumed)
				toks = append(toks, token{
					typ:     tokString,
					value:   body,
					fstring: strings.ContainsAny(prefix, "fF"),
					line:    startLine,
					col:     startCol,
				})
				continue
			}
		}

		// Identifier or keyword.
		if isIdentStart(c) {
			startLine, startCol := line, col
			j := i
			for j < n && isIdentPart(src[j]) {
				j++
			}
			word := src[i:j]
			advance(j - i)
			toks = append(toks, token{typ: tokName, value: word, line: startLine, col: startCol})
			continue
		}

		// Number: digits, dots, exponents, underscores. The exact grammar
		// does not matter to the deny-list; consume the maximal run.
		if c >= '0' && c <= '9' {
			startLine, startCol := line, col
			j := i
			for j < n && (isIdentPart(src[j]) || src[j] == '.' ||
				((src[j] == '+' || src[j] == '-') && j > i && (src[j-1] == 'e' || src[j-1] == 'E'))) {
				j++
			}
			num := src[i:j]
			advance(j - i)
			toks = append(toks, token{typ: tokNumber, value: num, line: startLine, col: startCol})
			continue
		}

		// Brackets, tracked for balance.
		switch c {
		case '(', '[', '{':
			binStack = append(binStack, c)
		case ')', ']', '}':
			if len(binStack) == 0 || binStack[len(binStack)-1] != matching(c) {
				return nil, &syntaxError{msg: fmt.Sprintf("unmatched %q", c), line: line, col: col}
			}
			binStack = binStack[:len(binStack)-1]
		}

		if strings.IndexByte("()[]{}.,:;@=+-*/%&|^~<>!", c) >= 0 {
			toks = append(toks, token{typ: tokOp, value: string(c), line: line, col: col})
			advance(1)
			continue
		}

		return nil, &syntaxError{msg: fmt.Sprintf("invalid character %q", c), line: line, col: col}
	}

	if len(binStack) > 0 {
		return nil, &syntaxError{msg: fmt.Sprintf("unclosed %q", binStack[len(binStack)-1]), line: line, col: col}
	}
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// isStringStart reports whether the remaining source begins a string
// literal, optionally behind a prefix like r, b, rb or f.
func isStringStart(rest string) bool {
	p := matchPrefix(rest)
	q := rest[len(p):]
	return strings.HasPrefix(q, "'") || strings.HasPrefix(q, `"`)
}

func matchPrefix(rest string) string {
	for _, p := range stringPrefixes {
		if strings.HasPrefix(rest, p) {
			q := rest[len(p):]
			if strings.HasPrefix(q, "'") || strings.HasPrefix(q, `"`) {
				return p
			}
		}
	}
	return ""
}

// quoteOf returns the opening quote sequence ("'", `"`, "'''" or `"""`)
// and its byte width, or "" when q does not start a quote.
func quoteOf(q string) (string, int) {
	switch {
	case strings.HasPrefix(q, `"""`):
		return `"""`, 3
	case strings.HasPrefix(q, "'''"):
		return "'''", 3
	case strings.HasPrefix(q, `"`):
		return `"`, 1
	case strings.HasPrefix(q, "'"):
		return "'", 1
	}
	return "", 0
}

// scanString consumes a string body starting just after the opening
// quote. It returns the body text, the bytes consumed including the
// closing quote, and whether the string terminated.
func scanString(s, quote string, raw bool) (string, int, bool) {
	single := len(quote) == 1
	var body strings.Builder
	i := 0
	for i < len(s) {
		if !raw && s[i] == '\\' && i+1 < len(s) {
			body.WriteByte(s[i])
			body.WriteByte(s[i+1])
			i += 2
			continue
		}
		if raw && s[i] == '\\' && i+1 < len(s) {
			// Raw strings still cannot end on a lone backslash.
			body.WriteByte(s[i])
			body.WriteByte(s[i+1])
			i += 2
			continue
		}
		if strings.HasPrefix(s[i:], quote) {
			return body.String(), i + len(quote), true
		}
		if single && s[i] == '\n' {
			return "", 0, false
		}
		body.WriteByte(s[i])
		i++
	}
	return "", 0, false
}

func matching(closer byte) byte {
	switch closer {
	case ')':
		return '('
	case ']':
		return '['
	case '}':
		return '{'
	}
	return 0
}
