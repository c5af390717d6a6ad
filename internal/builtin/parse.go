package builtin

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/roach88/kernelbus/internal/protocol"
)

type opKind int

const (
	opAssign opKind = iota
	opPrint
	opEprint
	opDisplay
	opThrow
	opEval
)

// keywords maps each statement keyword to its operation and a one-line
// description used by completions and hover.
var keywords = map[string]struct {
	op  opKind
	doc string
}{
	"print":   {opPrint, "print TEXT writes TEXT to standard output"},
	"eprint":  {opEprint, "eprint TEXT writes TEXT to standard error"},
	"display": {opDisplay, "display TEXT shows TEXT as a displayed value"},
	"throw":   {opThrow, "throw TEXT fails the submission with TEXT"},
}

// statement is one parsed line of a submission.
type statement struct {
	line int // zero-based
	op   opKind
	name string
	text string
}

// parse splits code into statements. Blank lines, "//" comments and "#!"
// directives are skipped. Lines that fit no statement form become error
// diagnostics; parse keeps going past them.
func parse(code string) ([]statement, []protocol.Diagnostic) {
	var stmts []statement
	var diags []protocol.Diagnostic

	for i, raw := range strings.Split(code, "\n") {
		line := strings.TrimSpace(strings.TrimSuffix(raw, "\r"))
		if line == "" || strings.HasPrefix(line, "//") || strings.HasPrefix(line, "#!") {
			continue
		}

		word, rest, _ := strings.Cut(line, " ")
		if kw, ok := keywords[word]; ok {
			stmts = append(stmts, statement{line: i, op: kw.op, text: unquote(strings.TrimSpace(rest))})
			continue
		}
		if name, value, ok := strings.Cut(line, "="); ok {
			name = strings.TrimSpace(name)
			if !isIdentifier(name) {
				diags = append(diags, diagnostic(i, raw, "VK001", fmt.Sprintf("invalid name %q", name)))
				continue
			}
			stmts = append(stmts, statement{line: i, op: opAssign, name: name, text: unquote(strings.TrimSpace(value))})
			continue
		}

		if isIdentifier(line) {
			stmts = append(stmts, statement{line: i, op: opEval, name: line})
			continue
		}
		diags = append(diags, diagnostic(i, raw, "VK002", fmt.Sprintf("unrecognized statement %q", line)))
	}
	return stmts, diags
}

func diagnostic(line int, raw, code, message string) protocol.Diagnostic {
	return protocol.Diagnostic{
		LinePositionSpan: protocol.LinePositionSpan{
			Start: protocol.LinePosition{Line: line},
			End:   protocol.LinePosition{Line: line, Character: len([]rune(raw))},
		},
		Severity: protocol.SeverityError,
		Code:     code,
		Message:  message,
	}
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return true
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// wordAt returns the identifier touching pos in code and the span it
// covers. ok is false when pos is not on an identifier.
func wordAt(code string, pos protocol.LinePosition) (word string, span protocol.LinePositionSpan, ok bool) {
	lines := strings.Split(code, "\n")
	if pos.Line < 0 || pos.Line >= len(lines) {
		return "", span, false
	}
	runes := []rune(lines[pos.Line])
	at := min(max(pos.Character, 0), len(runes))

	isWord := func(r rune) bool { return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) }
	start, end := at, at
	for start > 0 && isWord(runes[start-1]) {
		start--
	}
	for end < len(runes) && isWord(runes[end]) {
		end++
	}
	span = protocol.LinePositionSpan{
		Start: protocol.LinePosition{Line: pos.Line, Character: start},
		End:   protocol.LinePosition{Line: pos.Line, Character: end},
	}
	return string(runes[start:end]), span, start != end
}
