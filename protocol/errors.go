package protocol

import (
	"encoding/json"
	"errors"
)

// ErrorPayload is the wire shape of errors raised outside user code.
type ErrorPayload struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

// Payloader is implemented by errors that know their own wire payload.
type Payloader interface {
	// Payload returns a value that marshals to the error's JSON payload.
	Payload() any
}

// ErrorPayloadFrom renders err as a JSON error payload. The first error in the
// chain implementing Payloader decides the shape; otherwise the payload is an
// ErrorPayload named "Error".
func ErrorPayloadFrom(err error) json.RawMessage {
	if err == nil {
		return json.RawMessage("null")
	}
	var p Payloader
	if errors.As(err, &p) {
		if data, mErr := json.Marshal(p.Payload()); mErr == nil {
			return data
		}
	}
	data, _ := json.Marshal(ErrorPayload{Name: "Error", Message: err.Error()})
	return data
}
