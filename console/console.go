// Package console captures console calls made by a snippet and forwards
// them as log responses.
package console

import (
	"github.com/dop251/goja"

	"github.com/rivet-gg/actorrepl/protocol"
	"github.com/rivet-gg/actorrepl/sandbox"
)

// Levels are the console methods a snippet can call. Each is reported under
// its own name.
var Levels = []string{"log", "info", "warn", "error", "debug"}

// New returns a binding for a console object whose methods emit one log
// response per call, tagged with id.
//
// Only the first argument is captured. It is serialized with the engine's
// JSON.stringify; values that serialize to undefined are reported as null,
// and values that cannot be serialized throw inside the snippet.
func New(id string, emit func(protocol.Response)) sandbox.Binding {
	return func(env *sandbox.Env) (goja.Value, error) {
		obj := env.Runtime().NewObject()
		for _, level := range Levels {
			method := env.Function(func(call goja.FunctionCall) goja.Value {
				data, err := env.Stringify(call.Argument(0))
				if err != nil {
					env.Throw(err)
				}
				if data == nil {
					data = []byte("null")
				}
				emit(protocol.NewLog(id, level, string(data)))
				return goja.Undefined()
			})
			if err := obj.Set(level, method); err != nil {
				return nil, err
			}
		}
		return obj, nil
	}
}
