package transform

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja/parser"
	"github.com/evanw/esbuild/pkg/api"

	"github.com/rivet-gg/actorrepl/protocol"
)

// ErrSyntax indicates a snippet that could not be parsed.
var ErrSyntax = errors.New("syntax error")

// SyntaxError describes a parse failure in a snippet.
type SyntaxError struct {
	// Message describes the error.
	Message string

	// Line is the 1-based line number in the snippet. Zero means unknown.
	Line int

	// Column is the 1-based column number in the snippet. Zero means unknown.
	Column int

	// Err is the underlying parser error, if any.
	Err error
}

// Error returns the message, including the position when known.
func (e *SyntaxError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s (line %d, col %d)", e.Message, e.Line, e.Column)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *SyntaxError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrSyntax.
func (e *SyntaxError) Is(target error) bool {
	return target == ErrSyntax
}

// Payload returns the wire form of the error.
func (e *SyntaxError) Payload() any {
	return protocol.ErrorPayload{
		Name:    "SyntaxError",
		Message: e.Message,
		Line:    e.Line,
		Column:  e.Column,
	}
}

// snippetLine maps a line of the wrapped source back to the snippet.
func snippetLine(line int) int {
	line -= strings.Count(wrapperOpen, "\n")
	if line < 1 {
		return 0
	}
	return line
}

func syntaxErrorFromParser(err error) *SyntaxError {
	var list parser.ErrorList
	if errors.As(err, &list) && len(list) > 0 {
		first := list[0]
		line := snippetLine(first.Position.Line)
		col := first.Position.Column
		if line == 0 {
			col = 0
		}
		return &SyntaxError{Message: first.Message, Line: line, Column: col, Err: err}
	}
	var single *parser.Error
	if errors.As(err, &single) {
		line := snippetLine(single.Position.Line)
		col := single.Position.Column
		if line == 0 {
			col = 0
		}
		return &SyntaxError{Message: single.Message, Line: line, Column: col, Err: err}
	}
	return &SyntaxError{Message: err.Error(), Err: err}
}

func syntaxErrorFromMessage(msg api.Message) *SyntaxError {
	se := &SyntaxError{Message: msg.Text, Err: errors.New(msg.Text)}
	if loc := msg.Location; loc != nil {
		if line := snippetLine(loc.Line); line > 0 {
			se.Line = line
			se.Column = loc.Column + 1
		}
	}
	return se
}
