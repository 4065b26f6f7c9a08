// Package transform rewrites a REPL snippet so that the value of its final
// expression becomes the snippet's return value.
//
// A snippet is a relaxed module body: top-level await and return are
// allowed. The snippet is parsed inside an async function wrapper, and when
// the last statement is an expression statement a return keyword is spliced
// in front of it. Everything else passes through untouched. TypeScript
// snippets have their types stripped with esbuild first.
package transform

import (
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/file"
	"github.com/dop251/goja/parser"
	"github.com/evanw/esbuild/pkg/api"
)

// Language selects the source dialect.
type Language string

const (
	TypeScript Language = "typescript"
	JavaScript Language = "javascript"
)

const (
	wrapperOpen  = "async function __actorrepl__() {\n"
	wrapperClose = "\n}"
)

// Options configures a Transformer.
type Options struct {
	// Language is the snippet dialect. Defaults to TypeScript, which is a
	// superset of JavaScript.
	Language Language
}

// Transformer applies the implicit-return rewrite. It holds no mutable state
// and is safe for concurrent use.
type Transformer struct {
	lang Language
}

// New returns a Transformer for opts.
func New(opts Options) *Transformer {
	lang := opts.Language
	if lang != JavaScript {
		lang = TypeScript
	}
	return &Transformer{lang: lang}
}

// Language reports the dialect the transformer accepts.
func (t *Transformer) Language() Language {
	return t.lang
}

// Transform returns src with a return inserted before its trailing
// expression statement. Parse failures are reported as *SyntaxError.
func (t *Transformer) Transform(src string) (string, error) {
	if strings.TrimSpace(src) == "" {
		return src, nil
	}

	js := src
	if t.lang == TypeScript {
		stripped, err := stripTypes(src)
		if err != nil {
			return "", err
		}
		js = stripped
	}
	return addImplicitReturn(js)
}

// stripTypes removes TypeScript syntax and returns the reprinted function
// body.
func stripTypes(src string) (string, error) {
	result := api.Transform(wrapperOpen+src+wrapperClose, api.TransformOptions{
		Loader: api.LoaderTS,
		Target: api.ESNext,
	})
	if len(result.Errors) > 0 {
		return "", syntaxErrorFromMessage(result.Errors[0])
	}

	printed := string(result.Code)
	body, err := parseBody(printed)
	if err != nil {
		return "", err
	}
	// Indexes are 1-based: LeftBrace is the offset just past "{" and
	// RightBrace-1 is the offset of "}".
	open := int(body.LeftBrace)
	closing := int(body.RightBrace) - 1
	if open < 0 || closing < open || closing > len(printed) {
		return "", &SyntaxError{Message: "unexpected type-stripped output"}
	}
	return printed[open:closing], nil
}

func addImplicitReturn(src string) (string, error) {
	body, err := parseBody(wrapperOpen + src + wrapperClose)
	if err != nil {
		return "", err
	}
	if len(body.List) == 0 {
		return src, nil
	}

	last, ok := body.List[len(body.List)-1].(*ast.ExpressionStatement)
	if !ok {
		return src, nil
	}

	lower := 0
	if n := len(body.List); n > 1 {
		lower = offsetOf(body.List[n-2].Idx1())
	}
	offset := offsetOf(last.Idx0())
	if offset < 0 || offset > len(src) || lower < 0 || lower > offset {
		return src, nil
	}
	start := statementStart(src, lower, offset)
	return src[:start] + "return " + src[start:], nil
}

// parseBody parses a wrapped snippet and returns the wrapper's body.
func parseBody(wrapped string) (*ast.BlockStatement, error) {
	program, err := parser.ParseFile(nil, "", wrapped, 0, parser.WithDisableSourceMaps)
	if err != nil {
		return nil, syntaxErrorFromParser(err)
	}
	if len(program.Body) != 1 {
		return nil, &SyntaxError{Message: "unexpected end of snippet"}
	}
	decl, ok := program.Body[0].(*ast.FunctionDeclaration)
	if !ok || decl.Function == nil || decl.Function.Body == nil {
		return nil, &SyntaxError{Message: "unexpected end of snippet"}
	}
	return decl.Function.Body, nil
}

// offsetOf converts a parser index into a byte offset within the snippet.
// Parser indexes are 1-based positions in the wrapped source.
func offsetOf(idx file.Idx) int {
	return int(idx) - 1 - len(wrapperOpen)
}

// statementStart walks back from an expression start over whitespace and
// opening parentheses, which belong to the same statement.
func statementStart(src string, lower, offset int) int {
	start := offset
	for i := offset - 1; i >= lower; i-- {
		switch src[i] {
		case '(':
			start = i
		case ' ', '\t', '\n', '\r':
		default:
			return start
		}
	}
	return start
}
