// Package sandbox evaluates transformed snippets in a fresh JavaScript
// runtime with an explicit set of injected bindings.
//
// # Isolation
//
// Every evaluation gets its own goja runtime driven by its own goja_nodejs
// event loop, so no state leaks between requests. The snippet body is
// wrapped in a function whose parameters are the binding names (sorted) and
// a leading globalThis parameter that receives an empty object. Ambient
// globals other than globalThis remain reachable: this is weak isolation, not
// a security boundary.
//
// # Bindings
//
// A [Binding] builds one injected value when the runtime is ready. Bindings
// run on the event loop and get an [Env] that can serialize values with the
// engine's JSON.stringify, create promises settled by Go goroutines, schedule
// timers and throw errors back into the script.
//
// # Results
//
// The value the snippet resolves to is serialized with JSON.stringify.
// Functions and undefined vanish (undefined yields an empty [Result]), and a
// circular value fails with [SerializationError]. Anything the snippet
// throws or rejects with surfaces as [ThrownError], carrying a payload a
// renderer can always display.
//
// # Limits
//
// Evaluation is unbounded unless [Config].MaxDuration is set. Cancelling the
// context or hitting MaxDuration interrupts the runtime and returns
// [ErrInterrupted].
package sandbox
