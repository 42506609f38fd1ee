// Package validator performs static analysis of submitted decompressor
// source before any execution. It is the first line of defense: code that
// reaches the sandbox has already been proven free of import constructs,
// dynamic evaluation, I/O primitives, and runtime-internal attribute
// access. Runtime isolation is still enforced independently.
//
// Detection is structural: the source is lexed into a token stream and
// denied constructs are matched against statement structure, never
// against raw text. Comments and string literals can therefore not
// trigger keyword matches, and aliasing an identifier does not hide the
// underlying construct.
package validator

import (
	"fmt"
	"strings"
)

// MaxSourceBytes caps accepted decompressor source size.
const MaxSourceBytes = 100_000

// EntryPoint is the function name every decompressor must define.
const EntryPoint = "decompress"

// Kind tags a violation category. The string form is submitter-visible
// and feeds the DECOMPRESSION_<Kind> error code.
type Kind string

const (
	KindSyntaxError        Kind = "SyntaxError"
	KindImportError        Kind = "ImportError"
	KindForbiddenCall      Kind = "ForbiddenCall"
	KindForbiddenAttribute Kind = "ForbiddenAttribute"
	KindCodeTooLarge       Kind = "CodeTooLarge"
)

// forbiddenBuiltins are callables that escape the restricted namespace:
// dynamic evaluation, I/O, namespace introspection, attribute reflection.
var forbiddenBuiltins = map[string]struct{}{
	"eval": {}, "exec": {}, "compile": {}, "__import__": {},
	"open": {}, "input": {}, "breakpoint": {},
	"globals": {}, "locals": {}, "vars": {}, "dir": {},
	"getattr": {}, "setattr": {}, "delattr": {}, "hasattr": {},
	"memoryview": {},
}

// forbiddenAttributes are dunder names tied to runtime internals. Access
// by attribute or by string constant (the getattr-style spelling) is
// rejected either way.
var forbiddenAttributes = map[string]struct{}{
	"__class__": {}, "__bases__": {}, "__subclasses__": {},
	"__mro__": {}, "__globals__": {}, "__code__": {},
	"__builtins__": {}, "__import__": {}, "__loader__": {},
	"__spec__": {}, "__dict__": {}, "__slots__": {},
	"__getattribute__": {}, "__init_subclass__": {}, "__reduce__": {},
}

// Violation is one denied construct with its location.
type Violation struct {
	Kind      Kind
	Construct string
	Line      int
	Col       int
}

func (v Violation) String() string {
	return fmt.Sprintf("%s at line %d col %d: %s", v.Kind, v.Line, v.Col, v.Construct)
}

// Error reports validation failure. Violations is never empty.
type Error struct {
	Violations []Violation
}

func (e *Error) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Code returns the machine-readable error code derived from the first
// violation, e.g. "DECOMPRESSION_ImportError".
func (e *Error) Code() string {
	return "DECOMPRESSION_" + string(e.Violations[0].Kind)
}

// AnalyzedProgram is validated source, guaranteed free of denied
// constructs, handed unchanged to the executor.
type AnalyzedProgram struct {
	Source       string
	DefinesEntry bool // whether a def of the entry point was seen
	Functions    []string
}

// Validate lexes and structurally scans source. Identical source always
// yields an identical verdict; the function has no state and no
// environment dependence.
func Validate(source string) (*AnalyzedProgram, error) {
	if len(source) > MaxSourceBytes {
		return nil, &Error{Violations: []Violation{{
			Kind:      KindCodeTooLarge,
			Construct: fmt.Sprintf("source is %d bytes, limit %d", len(source), MaxSourceBytes),
			Line:      1, Col: 1,
		}}}
	}

	toks, err := tokenize(source)
	if err != nil {
		se := err.(*syntaxError)
		return nil, &Error{Violations: []Violation{{
			Kind:      KindSyntaxError,
			Construct: se.msg,
			Line:      se.line, Col: se.col,
		}}}
	}

	var (
		violations []Violation
		functions  []string
	)

	for idx := 0; idx < len(toks); idx++ {
		t := toks[idx]
		switch t.typ {
		case tokName:
			switch t.value {
			case "import":
				// "import" is a reserved word: once comments and strings
				// are lexed away, any occurrence is an import statement
				// regardless of spelling or placement.
				violations = append(violations, Violation{
					Kind: KindImportError, Construct: "import statement",
					Line: t.line, Col: t.col,
				})
			case "from":
				// "from" also appears in "yield from" and "raise ... from";
				// only flag it when an import follows on the same logical
				// construct. The import token itself is flagged above, so
				// "from x import y" is always caught; nothing to add here.
			case "def":
				if idx+1 < len(toks) && toks[idx+1].typ == tokName {
					functions = append(functions, toks[idx+1].value)
				}
			case "__import__":
				violations = append(violations, Violation{
					Kind: KindImportError, Construct: "__import__",
					Line: t.line, Col: t.col,
				})
			default:
				// Any non-attribute reference to a denied builtin is
				// rejected, not just direct calls: "e = eval" would
				// otherwise smuggle the callable past a call-site check.
				if _, bad := forbiddenBuiltins[t.value]; bad && !isAttribute(toks, idx) {
					violations = append(violations, Violation{
						Kind: KindForbiddenCall, Construct: t.value,
						Line: t.line, Col: t.col,
					})
				}
				if _, bad := forbiddenAttributes[t.value]; bad && isAttribute(toks, idx) {
					violations = append(violations, Violation{
						Kind: KindForbiddenAttribute, Construct: "." + t.value,
						Line: t.line, Col: t.col,
					})
				}
			}
		case tokString:
			// f-string bodies are code, not inert text: every {...}
			// replacement field holds an expression that runs at format
			// time, so it is scanned with the same rules as top-level
			// source.
			if t.fstring {
				violations = append(violations, fstringViolations(t.value, t.line, t.col)...)
			}
			// getattr-style spellings hide the dunder inside a string
			// constant. Constant-fold literal concatenation chains
			// ('__cla' + 'ss__', and implicit adjacency) before checking,
			// since they resolve to a single constant at parse time.
			folded, consumed := foldStrings(toks, idx)
			if name := dunderIn(folded); name != "" {
				violations = append(violations, Violation{
					Kind: KindForbiddenAttribute, Construct: fmt.Sprintf("string constant %q", name),
					Line: t.line, Col: t.col,
				})
			}
			idx += consumed - 1
		}
	}

	if len(violations) > 0 {
		return nil, &Error{Violations: violations}
	}

	prog := &AnalyzedProgram{Source: source, Functions: functions}
	for _, f := range functions {
		if f == EntryPoint {
			prog.DefinesEntry = true
		}
	}
	return prog, nil
}

// isAttribute reports whether the name token at idx is accessed as an
// attribute (preceded by a dot).
func isAttribute(toks []token, idx int) bool {
	return idx > 0 && toks[idx-1].typ == tokOp && toks[idx-1].value == "."
}

// foldStrings concatenates the maximal run of string literals starting
// at idx, joined either implicitly (adjacent literals) or by "+". It
// returns the folded constant and the number of tokens consumed.
func foldStrings(toks []token, idx int) (string, int) {
	var sb strings.Builder
	sb.WriteString(toks[idx].value)
	consumed := 1
	for i := idx + 1; i < len(toks); {
		switch {
		case toks[i].typ == tokString:
			sb.WriteString(toks[i].value)
			consumed = i - idx + 1
			i++
		case toks[i].typ == tokOp && toks[i].value == "+" &&
			i+1 < len(toks) && toks[i+1].typ == tokString:
			sb.WriteString(toks[i+1].value)
			consumed = i + 1 - idx + 1
			i += 2
		default:
			return sb.String(), consumed
		}
	}
	return sb.String(), consumed
}

// dunderIn returns the forbidden attribute name when the string constant
// is exactly that name, or "" otherwise. Only exact constants are the
// getattr-style spelling; prose that merely mentions a dunder (a
// docstring, a log message) stays legal.
func dunderIn(body string) string {
	if _, bad := forbiddenAttributes[body]; bad {
		return body
	}
	return ""
}

// fstringViolations scans the replacement fields of an f-string body.
// Each field is lexed and checked like top-level source; positions are
// reported at the literal since column arithmetic inside a formatted
// string is not worth the precision.
func fstringViolations(body string, line, col int) []Violation {
	var violations []Violation
	for _, expr := range fstringFields(body) {
		toks, err := tokenize(expr)
		if err != nil {
			violations = append(violations, Violation{
				Kind: KindSyntaxError, Construct: "malformed f-string expression",
				Line: line, Col: col,
			})
			continue
		}
		for idx, t := range toks {
			switch t.typ {
			case tokName:
				switch t.value {
				case "import", "__import__":
					violations = append(violations, Violation{
						Kind: KindImportError, Construct: t.value,
						Line: line, Col: col,
					})
				default:
					if _, bad := forbiddenBuiltins[t.value]; bad && !isAttribute(toks, idx) {
						violations = append(violations, Violation{
							Kind: KindForbiddenCall, Construct: t.value,
							Line: line, Col: col,
						})
					}
					if _, bad := forbiddenAttributes[t.value]; bad && isAttribute(toks, idx) {
						violations = append(violations, Violation{
							Kind: KindForbiddenAttribute, Construct: "." + t.value,
							Line: line, Col: col,
						})
					}
				}
			case tokString:
				if name := dunderIn(t.value); name != "" {
					violations = append(violations, Violation{
						Kind: KindForbiddenAttribute, Construct: fmt.Sprintf("string constant %q", name),
						Line: line, Col: col,
					})
				}
			}
		}
	}
	return violations
}

// fstringFields extracts the {...} replacement fields of an f-string
// body. {{ and }} are literal braces; quotes inside a field shield any
// braces they contain; nested fields in format specs stay part of the
// enclosing field's text.
func fstringFields(body string) []string {
	var fields []string
	for i := 0; i < len(body); {
		switch {
		case strings.HasPrefix(body[i:], "{{") || strings.HasPrefix(body[i:], "}}"):
			i += 2
		case body[i] == '{':
			depth := 1
			j := i + 1
			for j < len(body) && depth > 0 {
				c := body[j]
				if c == '\'' || c == '"' {
					j = skipQuoted(body, j)
					continue
				}
				if c == '{' {
					depth++
				} else if c == '}' {
					depth--
				}
				j++
			}
			end := j
			if depth == 0 {
				end = j - 1
			}
			fields = append(fields, body[i+1:end])
			i = j
		default:
			i++
		}
	}
	return fields
}

// skipQuoted advances past a quoted section starting at i, returning the
// index just after the closing quote (or the end of the body when the
// quote never closes).
func skipQuoted(body string, i int) int {
	quote := body[i]
	j := i + 1
	for j < len(body) {
		if body[j] == '\\' && j+1 < len(body) {
			j += 2
			continue
		}
		if body[j] == quote {
			return j + 1
		}
		j++
	}
	return j
}
