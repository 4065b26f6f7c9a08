package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/dop251/goja"

	"github.com/rivet-gg/actorrepl/actor"
	"github.com/rivet-gg/actorrepl/console"
	"github.com/rivet-gg/actorrepl/protocol"
	"github.com/rivet-gg/actorrepl/sandbox"
)

// Names of the fixed bindings. RPCs with these names are only reachable
// through the actor object.
const (
	bindingConsole = "console"
	bindingWait    = "wait"
	bindingActor   = "actor"
)

var errNoEvents = errors.New("actor handle does not deliver events")

func bindings(req protocol.Request, h actor.Handle, emit func(protocol.Response)) sandbox.Bindings {
	rpcs := actor.Bind(h, req.RPCs)

	b := sandbox.Bindings{
		bindingConsole: console.New(req.ID, emit),
		bindingWait:    sandbox.Func(wait),
		bindingActor:   actorObject(h, req.RPCs, rpcs),
	}
	for name, fn := range rpcs {
		if _, taken := b[name]; taken || !sandbox.IsIdentifier(name) {
			continue
		}
		b[name] = rpcBinding(fn)
	}
	return b
}

func wait(env *sandbox.Env, call goja.FunctionCall) goja.Value {
	ms := call.Argument(0).ToFloat()
	if math.IsNaN(ms) || ms < 0 {
		ms = 0
	}
	d := time.Duration(math.MaxInt64)
	if ns := ms * float64(time.Millisecond); ns < math.MaxInt64 {
		d = time.Duration(ns)
	}
	return env.Sleep(d)
}

func actorObject(h actor.Handle, names []string, rpcs map[string]actor.RPCFunc) sandbox.Binding {
	return func(env *sandbox.Env) (goja.Value, error) {
		obj := env.Runtime().NewObject()

		rpc := env.Function(func(call goja.FunctionCall) goja.Value {
			name := call.Argument(0).String()
			return invoke(env, call.Arguments[min(1, len(call.Arguments)):], func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				return h.RPC(ctx, name, args)
			})
		})
		if err := obj.Set("rpc", rpc); err != nil {
			return nil, err
		}
		dispose := env.Function(func(goja.FunctionCall) goja.Value {
			if err := h.Dispose(); err != nil {
				env.Throw(err)
			}
			return goja.Undefined()
		})
		if err := obj.Set("dispose", dispose); err != nil {
			return nil, err
		}
		on := env.Function(func(call goja.FunctionCall) goja.Value {
			return subscribe(env, h, call, false)
		})
		if err := obj.Set("on", on); err != nil {
			return nil, err
		}
		once := env.Function(func(call goja.FunctionCall) goja.Value {
			return subscribe(env, h, call, true)
		})
		if err := obj.Set("once", once); err != nil {
			return nil, err
		}

		for _, name := range names {
			fn := rpcs[name]
			method := env.Function(func(call goja.FunctionCall) goja.Value {
				return invoke(env, call.Arguments, fn)
			})
			if err := obj.Set(name, method); err != nil {
				return nil, err
			}
		}
		return obj, nil
	}
}

func rpcBinding(fn actor.RPCFunc) sandbox.Binding {
	return sandbox.Func(func(env *sandbox.Env, call goja.FunctionCall) goja.Value {
		return invoke(env, call.Arguments, fn)
	})
}

// invoke serializes args with the engine's JSON rules and returns a promise
// for the RPC output.
func invoke(env *sandbox.Env, args []goja.Value, fn actor.RPCFunc) goja.Value {
	items := make([]any, len(args))
	for i, arg := range args {
		items[i] = arg
	}
	raw, err := env.Stringify(env.Runtime().NewArray(items...))
	if err != nil {
		env.Throw(err)
	}
	return env.Promise(func(ctx context.Context) (json.RawMessage, error) {
		return fn(ctx, raw)
	})
}

// subscribe adds a listener for the actor event named by the first argument
// and returns a function removing it. Listeners run on the event loop and
// are removed when the evaluation ends. A throwing listener does not fail
// the snippet.
func subscribe(env *sandbox.Env, h actor.Handle, call goja.FunctionCall, once bool) goja.Value {
	sub, ok := h.(actor.Subscriber)
	if !ok {
		env.Throw(errNoEvents)
	}
	name := call.Argument(0).String()
	listener, ok := goja.AssertFunction(call.Argument(1))
	if !ok {
		env.Throw(fmt.Errorf("listener for event %q is not a function", name))
	}

	// removed is only touched on the loop.
	removed := false
	var unsubscribe func()
	unsubscribe, err := sub.On(env.Context(), name, func(args json.RawMessage) {
		env.Schedule(func() {
			if removed {
				return
			}
			if once {
				removed = true
				unsubscribe()
			}
			values, err := eventArgs(env, args)
			if err != nil {
				return
			}
			_, _ = listener(goja.Undefined(), values...)
		})
	})
	if err != nil {
		env.Throw(err)
	}
	env.Defer(unsubscribe)

	return env.Function(func(goja.FunctionCall) goja.Value {
		removed = true
		unsubscribe()
		return goja.Undefined()
	})
}

// eventArgs spreads the JSON array of event arguments into script values.
func eventArgs(env *sandbox.Env, raw json.RawMessage) ([]goja.Value, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	v, err := env.Parse(raw)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(*goja.Object)
	if !ok || obj.ClassName() != "Array" {
		return []goja.Value{v}, nil
	}
	n := int(obj.Get("length").ToInteger())
	values := make([]goja.Value, n)
	for i := range n {
		values[i] = obj.Get(strconv.Itoa(i))
	}
	return values, nil
}
