// Package actor connects to remote actors and invokes their RPCs.
//
// A [Resolver] turns a manager URL and actor id into a live [Handle]. The
// production resolver, [Manager], asks the actor manager for the actor's
// endpoint over HTTP and then opens the actor's websocket. [Connect] bounds
// resolution with a fixed budget and cleans up handles that arrive late.
// [Bind] turns a handle and a list of RPC names into per-name callables.
package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultConnectTimeout is the budget Connect applies when none is given.
const DefaultConnectTimeout = 5 * time.Second

// Errors for actor operations.
var (
	ErrTimeout        = errors.New("actor connection timed out")
	ErrNotFound       = errors.New("actor not found")
	ErrDisposed       = errors.New("actor handle disposed")
	ErrConnectionLost = errors.New("actor connection lost")
	ErrProtocol       = errors.New("actor protocol error")
)

// Logger is the logging interface used by this package. *slog.Logger
// satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Handle is a live connection to one actor.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Context: RPC honors cancellation; the call may still execute remotely.
// - Errors: remote failures return *RPCError; calls after Dispose return ErrDisposed.
// - Ownership: args is read-only; the returned output is caller-owned.
type Handle interface {
	// RPC invokes name with args, a JSON array of positional arguments, and
	// returns the JSON output.
	RPC(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)

	// Dispose closes the connection and fails in-flight calls. It is
	// idempotent.
	Dispose() error
}

// Subscriber is implemented by handles that deliver actor events. *Conn
// satisfies it.
type Subscriber interface {
	// On calls fn with the JSON array of event arguments for every event
	// named name until the returned function is called. fn must not block.
	On(ctx context.Context, name string, fn func(args json.RawMessage)) (unsubscribe func(), err error)
}

// Watcher is implemented by handles whose connection can end on its own.
// *Conn satisfies it.
type Watcher interface {
	// Done is closed when the handle is disposed or its connection is lost.
	Done() <-chan struct{}
}

// Resolver creates handles.
type Resolver interface {
	Resolve(ctx context.Context, managerURL, actorID string) (Handle, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, managerURL, actorID string) (Handle, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, managerURL, actorID string) (Handle, error) {
	return f(ctx, managerURL, actorID)
}

// Connect resolves a handle within timeout. A non-positive timeout selects
// DefaultConnectTimeout. When the budget runs out first, Connect returns an
// error wrapping ErrTimeout and disposes the handle if resolution completes
// later.
func Connect(ctx context.Context, r Resolver, managerURL, actorID string, timeout time.Duration) (Handle, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type resolved struct {
		handle Handle
		err    error
	}
	ch := make(chan resolved, 1)
	go func() {
		h, err := r.Resolve(ctx, managerURL, actorID)
		ch <- resolved{handle: h, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %v: %v", ErrTimeout, timeout, res.err)
			}
			return nil, res.err
		}
		return res.handle, nil
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.handle != nil {
				_ = res.handle.Dispose()
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %v", ErrTimeout, timeout)
		}
		return nil, ctx.Err()
	}
}

// RPCFunc invokes one bound RPC with a JSON array of arguments.
type RPCFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Bind returns one callable per requested name. Names are not checked
// against the actor; an unknown name yields a callable that fails remotely.
func Bind(h Handle, rpcs []string) map[string]RPCFunc {
	bound := make(map[string]RPCFunc, len(rpcs))
	for _, name := range rpcs {
		bound[name] = func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return h.RPC(ctx, name, args)
		}
	}
	return bound
}

// Call marshals args and invokes name on h.
func Call(ctx context.Context, h Handle, name string, args ...any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments for %s: %w", name, err)
	}
	return h.RPC(ctx, name, raw)
}
