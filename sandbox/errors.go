package sandbox

import (
	"encoding/json"
	"errors"

	"github.com/rivet-gg/actorrepl/protocol"
)

// Sentinel errors for error classification.
var (
	// ErrConfiguration indicates an invalid evaluator configuration.
	ErrConfiguration = errors.New("configuration error")

	// ErrInterrupted indicates that evaluation was stopped by context
	// cancellation or the MaxDuration limit.
	ErrInterrupted = errors.New("evaluation interrupted")

	// ErrInvalidBinding indicates a binding name that cannot be used as a
	// parameter name.
	ErrInvalidBinding = errors.New("invalid binding name")
)

// ScriptError is implemented by Go errors that want a specific shape when
// they are thrown into a script, for example as the rejection of an RPC
// promise.
type ScriptError interface {
	error

	// ScriptError returns the JavaScript error name and extra own
	// properties. json.RawMessage values are parsed into script values.
	ScriptError() (name string, props map[string]any)
}

// ThrownError is a value the snippet threw or rejected with.
type ThrownError struct {
	// Name is the error name when the value was an Error object.
	Name string

	// Message is the error message, or the string form of a non-Error value.
	Message string

	// Stack is the script stack trace, if the value carried one.
	Stack string

	// Value is the render-safe JSON payload describing the thrown value.
	Value json.RawMessage
}

// Error returns "name: message" for Error objects and the message otherwise.
func (e *ThrownError) Error() string {
	if e.Name != "" {
		return e.Name + ": " + e.Message
	}
	return e.Message
}

// Payload returns the JSON payload of the thrown value.
func (e *ThrownError) Payload() any {
	return e.Value
}

// SerializationError reports a result that JSON.stringify rejected.
type SerializationError struct {
	// Err is the error raised by JSON.stringify.
	Err error
}

func (e *SerializationError) Error() string {
	return "result is not serializable: " + e.Err.Error()
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// Payload reuses the payload of the underlying script error when there is
// one.
func (e *SerializationError) Payload() any {
	var thrown *ThrownError
	if errors.As(e.Err, &thrown) {
		return thrown.Value
	}
	return protocol.ErrorPayload{Name: "TypeError", Message: e.Error()}
}

// CompileError reports a wrapped snippet the runtime refused to compile.
type CompileError struct {
	Message string
	Err     error
}

func (e *CompileError) Error() string {
	return e.Message
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

func (e *CompileError) Payload() any {
	return protocol.ErrorPayload{Name: "SyntaxError", Message: e.Message}
}
