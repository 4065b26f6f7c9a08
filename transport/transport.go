// Package transport carries protocol frames between a command store and an
// execution worker.
//
// Two implementations are provided: [Pipe] connects both sides inside one
// process, and [WebSocket] wraps a gorilla websocket connection so a worker
// can run behind the serve command. Frames are opaque byte slices; encoding
// is the protocol package's concern.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send and Receive once the connection is closed.
var ErrClosed = errors.New("transport: connection closed")

// Conn is a bidirectional, message-oriented frame channel.
//
// Contract:
// - Concurrency: Send and Close are safe for concurrent use; Receive must be
// called from one goroutine at a time.
// - Context: Send and Receive honor cancellation and return ctx.Err().
// - Errors: both return ErrClosed after Close, on either end.
// - Ownership: Send does not retain frame; Receive returns a caller-owned slice.
type Conn interface {
	// Send delivers one frame to the peer.
	Send(ctx context.Context, frame []byte) error

	// Receive blocks until the next frame arrives from the peer.
	Receive(ctx context.Context) ([]byte, error)

	// Close tears the connection down. It is idempotent.
	Close() error
}
