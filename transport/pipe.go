package transport

import (
	"context"
	"sync"
)

// DefaultPipeBuffer is the number of frames each direction of a Pipe holds
// before Send blocks.
const DefaultPipeBuffer = 64

type pipeEnd struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected in-memory ends. Frames sent on one end are
// received on the other in order. Closing either end closes both. A
// non-positive buffer selects DefaultPipeBuffer.
func Pipe(buffer int) (Conn, Conn) {
	if buffer <= 0 {
		buffer = DefaultPipeBuffer
	}
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeEnd{in: ba, out: ab, done: done, once: once},
		&pipeEnd{in: ab, out: ba, done: done, once: once}
}

func (p *pipeEnd) Send(ctx context.Context, frame []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	buf := append([]byte(nil), frame...)
	select {
	case p.out <- buf:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	// Buffered frames are drained before a close is reported.
	select {
	case frame := <-p.in:
		return frame, nil
	default:
	}

	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
