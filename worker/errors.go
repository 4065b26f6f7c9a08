package worker

import (
	"errors"

	"github.com/rivet-gg/actorrepl/actor"
	"github.com/rivet-gg/actorrepl/protocol"
)

// ErrConfiguration is returned when the worker configuration is invalid.
var ErrConfiguration = errors.New("invalid worker configuration")

// ConnectionError reports that a request could not reach its actor.
type ConnectionError struct {
	ActorID string
	Err     error
}

func (e *ConnectionError) Error() string {
	return "connect to actor " + e.ActorID + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the connection budget ran out.
func (e *ConnectionError) Timeout() bool {
	return errors.Is(e.Err, actor.ErrTimeout)
}

// Payload returns the wire form of the error. Budget exhaustion is named
// TimeoutError, every other failure ConnectionError.
func (e *ConnectionError) Payload() any {
	name := "ConnectionError"
	if e.Timeout() {
		name = "TimeoutError"
	}
	return protocol.ErrorPayload{Name: name, Message: e.Err.Error()}
}
