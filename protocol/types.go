package protocol

import (
	"encoding/json"
	"strings"
)

// RequestType tags an inbound request.
type RequestType string

// TypeCode is the only request type: run a code snippet against an actor.
const TypeCode RequestType = "code"

// Request asks the worker to highlight, connect and evaluate one snippet.
type Request struct {
	// Type is always TypeCode.
	Type RequestType `json:"type"`

	// Data is the snippet source.
	Data string `json:"data"`

	// ManagerURL is the base URL of the actor manager.
	ManagerURL string `json:"managerUrl"`

	// ActorID identifies the actor to connect to.
	ActorID string `json:"actorId"`

	// RPCs lists the RPC names the actor exposes. Each name is bound as a
	// top-level callable during evaluation.
	RPCs []string `json:"rpcs"`

	// ID correlates every response with this request.
	ID string `json:"id"`
}

// ResponseType tags an outbound response.
type ResponseType string

const (
	ResponseFormatted ResponseType = "formatted"
	ResponseLog       ResponseType = "log"
	ResponseResult    ResponseType = "result"
	ResponseError     ResponseType = "error"
)

// Valid reports whether t is one of the known response types.
func (t ResponseType) Valid() bool {
	switch t {
	case ResponseFormatted, ResponseLog, ResponseResult, ResponseError:
		return true
	}
	return false
}

// Terminal reports whether t ends the response stream for a request.
func (t ResponseType) Terminal() bool {
	return t == ResponseResult || t == ResponseError
}

// Response is one message of the stream a worker emits for a request.
// Data holds the type-specific payload: Formatted for formatted, Log for log,
// any JSON value for result and error.
type Response struct {
	Type ResponseType    `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Token is one colored fragment of a highlighted line.
type Token struct {
	Content string `json:"content"`
	Color   string `json:"color"`
}

// Formatted is highlighted source: one token slice per source line.
type Formatted struct {
	// Tokens holds the lines of the source. Line breaks are implied between
	// consecutive lines and never appear inside a token.
	Tokens [][]Token `json:"tokens"`

	// FG is the theme's default foreground color.
	FG string `json:"fg"`
}

// Log is one captured console call.
type Log struct {
	// Level is the console method name: log, info, warn, error or debug.
	Level string `json:"level"`

	// Message is the JSON serialization of the first argument.
	Message string `json:"message"`
}

// FallbackFormatted renders code as uncolored tokens, one per line. It is
// used when highlighting failed or a formatted payload could not be read.
func FallbackFormatted(code string) Formatted {
	lines := strings.Split(code, "\n")
	tokens := make([][]Token, len(lines))
	for i, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			tokens[i] = []Token{}
			continue
		}
		tokens[i] = []Token{{Content: line}}
	}
	return Formatted{Tokens: tokens}
}
