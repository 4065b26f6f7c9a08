package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/rivet-gg/actorrepl/protocol"
	"github.com/rivet-gg/actorrepl/store"
)

var (
	promptStyle = lipgloss.NewStyle().Faint(true)
	resultStyle = lipgloss.NewStyle().Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#f85149")).Bold(true)

	levelStyles = map[string]lipgloss.Style{
		"log":   lipgloss.NewStyle().Faint(true),
		"info":  lipgloss.NewStyle().Foreground(lipgloss.Color("#58a6ff")),
		"warn":  lipgloss.NewStyle().Foreground(lipgloss.Color("#d29922")),
		"error": lipgloss.NewStyle().Foreground(lipgloss.Color("#f85149")),
		"debug": lipgloss.NewStyle().Foreground(lipgloss.Color("#8b949e")),
	}

	titleCase = cases.Title(language.English)
)

// renderer prints commands to a terminal.
type renderer struct {
	out  io.Writer
	echo bool
}

// command prints the highlighted source (when echo is set), the captured
// logs and the outcome of cmd.
func (r *renderer) command(cmd store.Command) {
	if r.echo {
		formatted := protocol.FallbackFormatted(cmd.Code)
		if cmd.Formatted != nil {
			formatted = *cmd.Formatted
		}
		r.source(formatted)
	}
	for _, log := range cmd.Logs {
		r.log(log)
	}
	switch cmd.Status {
	case store.StatusSuccess:
		fmt.Fprintln(r.out, resultStyle.Render(indentJSON(cmd.Result)))
	case store.StatusError:
		fmt.Fprintln(r.out, errorStyle.Render(describeError(cmd.Error)))
	default:
		fmt.Fprintln(r.out, promptStyle.Render(string(cmd.Status)))
	}
}

func (r *renderer) source(f protocol.Formatted) {
	base := lipgloss.NewStyle()
	if f.FG != "" {
		base = base.Foreground(lipgloss.Color(f.FG))
	}
	for i, line := range f.Tokens {
		var b strings.Builder
		if i == 0 {
			b.WriteString(promptStyle.Render("> "))
		} else {
			b.WriteString(promptStyle.Render(". "))
		}
		for _, tok := range line {
			style := base
			if tok.Color != "" {
				style = style.Foreground(lipgloss.Color(tok.Color))
			}
			b.WriteString(style.Render(tok.Content))
		}
		fmt.Fprintln(r.out, b.String())
	}
}

func (r *renderer) log(l protocol.Log) {
	style, ok := levelStyles[l.Level]
	if !ok {
		style = levelStyles["log"]
	}
	label := style.Render(fmt.Sprintf("[%s]", titleCase.String(l.Level)))
	fmt.Fprintf(r.out, "%s %s\n", label, indentJSON(json.RawMessage(l.Message)))
}

// indentJSON pretty prints raw, falling back to the raw text.
func indentJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "undefined"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// describeError renders an error payload as "Name: message", or as JSON
// when it is not Error-like.
func describeError(raw json.RawMessage) string {
	var payload struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Message == "" {
		return "Uncaught " + indentJSON(raw)
	}
	if payload.Name == "" {
		payload.Name = "Error"
	}
	return payload.Name + ": " + payload.Message
}
