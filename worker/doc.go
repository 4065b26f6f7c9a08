// Package worker executes code requests against remote actors.
//
// A [Worker] reads request frames from a [transport.Conn], validates them and
// runs every valid request on its own goroutine. Each request moves through
// a fixed sequence of stages:
//
//	received → highlighting → connecting → evaluating → completed | failed
//
// and emits, in order, exactly one formatted response, zero or more log
// responses and exactly one terminal response (result or error).
//
// # Bindings
//
// Snippets see these names:
//
//   - console: log, info, warn, error and debug, forwarded as log responses
//   - wait(ms): a promise resolving after ms milliseconds
//   - actor: one method per requested RPC, plus rpc(name, ...args),
//     dispose(), and on(event, listener) and once(event, listener), which
//     return a function removing the listener
//   - one top-level function per requested RPC whose name is a valid
//     identifier and does not clash with the names above
//
// RPC functions return promises resolving to the RPC output. Actor failures
// reject with an RpcError carrying code and metadata properties. Event
// listeners receive the event arguments and run on the snippet's event
// loop; they are removed when the evaluation ends.
//
// # Handle Lifetime
//
// A failed request disposes its actor handle before the error is emitted.
// Handles of successful requests stay open so snippets may leave work
// running; they are disposed when Serve returns, or by Close for handles
// acquired through Handle. A handle whose connection is lost is forgotten.
package worker
