// Package highlight tokenizes snippet source into per-line colored tokens.
//
// The tokenizer is built lazily on first use and is immutable afterwards, so
// one Highlighter can serve every request of a worker concurrently.
package highlight

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"

	"github.com/rivet-gg/actorrepl/protocol"
)

const (
	DefaultLanguage = "typescript"
	DefaultTheme    = "github-dark"

	// fallbackFG is used when a theme defines no foreground color.
	fallbackFG = "#000000"
)

// ErrUnknownLanguage indicates a language with no registered lexer.
var ErrUnknownLanguage = errors.New("unknown highlight language")

// Options configures a Highlighter.
type Options struct {
	// Language is the lexer name. Defaults to DefaultLanguage.
	Language string

	// Theme is the style name. Defaults to DefaultTheme. Unknown themes fall
	// back to the library's default style.
	Theme string
}

// Highlighter turns source code into protocol.Formatted.
type Highlighter struct {
	tokenizer func() (*tokenizer, error)
}

type tokenizer struct {
	lexer chroma.Lexer
	style *chroma.Style
	fg    string
}

// New returns a Highlighter. Construction is cheap; the lexer and style are
// resolved on first Highlight call.
func New(opts Options) *Highlighter {
	if opts.Language == "" {
		opts.Language = DefaultLanguage
	}
	if opts.Theme == "" {
		opts.Theme = DefaultTheme
	}
	return &Highlighter{
		tokenizer: sync.OnceValues(func() (*tokenizer, error) {
			return newTokenizer(opts)
		}),
	}
}

func newTokenizer(opts Options) (*tokenizer, error) {
	lexer := lexers.Get(opts.Language)
	if lexer == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLanguage, opts.Language)
	}
	style := styles.Get(opts.Theme)

	fg := fallbackFG
	if bg := style.Get(chroma.Background); bg.Colour.IsSet() {
		fg = bg.Colour.String()
	}
	return &tokenizer{lexer: chroma.Coalesce(lexer), style: style, fg: fg}, nil
}

// Highlight tokenizes code. The result has one token line per source line;
// line terminators are removed and tokens without an explicit color take
// the theme foreground.
func (h *Highlighter) Highlight(code string) (protocol.Formatted, error) {
	tk, err := h.tokenizer()
	if err != nil {
		return protocol.Formatted{}, err
	}

	it, err := tk.lexer.Tokenise(nil, code)
	if err != nil {
		return protocol.Formatted{}, fmt.Errorf("tokenise: %w", err)
	}

	want := strings.Count(code, "\n") + 1
	lines := make([][]protocol.Token, 0, want)
	for _, line := range chroma.SplitTokensIntoLines(it.Tokens()) {
		if len(lines) == want {
			break
		}
		tokens := make([]protocol.Token, 0, len(line))
		for _, tok := range line {
			content := strings.TrimRight(tok.Value, "\r\n")
			if content == "" {
				continue
			}
			color := tk.fg
			if entry := tk.style.Get(tok.Type); entry.Colour.IsSet() {
				color = entry.Colour.String()
			}
			tokens = append(tokens, protocol.Token{Content: content, Color: color})
		}
		lines = append(lines, tokens)
	}
	for len(lines) < want {
		lines = append(lines, []protocol.Token{})
	}

	return protocol.Formatted{Tokens: lines, FG: tk.fg}, nil
}
