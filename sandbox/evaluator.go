package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
)

// Config holds the configuration for an Evaluator.
type Config struct {
	// MaxDuration bounds a single evaluation. Zero means unlimited.
	MaxDuration time.Duration

	// StackPositions keeps snippet line:column positions in stack traces.
	// Leave it unset when the evaluated source is a reprint of what the user
	// wrote, as type-stripped TypeScript is.
	StackPositions bool
}

// Validate checks the configuration.
// Returns ErrConfiguration if a field is out of range.
func (c *Config) Validate() error {
	if c.MaxDuration < 0 {
		return fmt.Errorf("%w: MaxDuration must not be negative", ErrConfiguration)
	}
	return nil
}

// Result is the outcome of a successful evaluation.
type Result struct {
	// Value is the JSON serialization of the resolved value. It is nil when
	// the snippet resolved to undefined or to a function.
	Value json.RawMessage

	// Defined reports whether Value holds a serialization.
	Defined bool
}

// Evaluator runs snippets in fresh runtimes.
//
// Contract:
// - Concurrency: safe for concurrent use; every call gets its own runtime.
// - Context: cancellation interrupts the runtime and returns ErrInterrupted.
// - Errors: script failures return *ThrownError, unserializable results
// *SerializationError, wrapper compile failures *CompileError.
// - Ownership: bindings are read-only; the returned Result is caller-owned.
type Evaluator struct {
	maxDuration    time.Duration
	stackPositions bool
}

// New creates an Evaluator.
func New(cfg Config) (*Evaluator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Evaluator{maxDuration: cfg.MaxDuration, stackPositions: cfg.StackPositions}, nil
}

type outcome struct {
	result Result
	err    error
}

// Evaluate runs src as the body of an async function with bindings in
// scope and waits for the returned promise to settle. Cleanups registered
// with Env.Defer run before Evaluate returns.
func (e *Evaluator) Evaluate(ctx context.Context, src string, bindings Bindings) (Result, error) {
	names := make([]string, 0, len(bindings))
	for name := range bindings {
		if !IsIdentifier(name) {
			return Result{}, fmt.Errorf("%w: %q", ErrInvalidBinding, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	runCtx := ctx
	if e.maxDuration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.maxDuration)
		defer cancel()
	}

	sc := &scope{}
	defer sc.close()

	loop := eventloop.NewEventLoop(eventloop.EnableConsole(false))
	loop.Start()

	done := make(chan outcome, 1)
	finish := func(o outcome) {
		select {
		case done <- o:
		default:
		}
	}
	vms := make(chan *goja.Runtime, 1)

	loop.RunOnLoop(func(vm *goja.Runtime) {
		vms <- vm
		env, err := newEnv(ctx, vm, loop, sc)
		if err != nil {
			finish(outcome{err: err})
			return
		}
		env.keepPositions = e.stackPositions
		env.srcLines = strings.Count(src, "\n") + 1
		run(env, src, names, bindings, finish)
	})

	var vm *goja.Runtime
	for {
		select {
		case vm = <-vms:
			vms = nil
		case out := <-done:
			loop.Stop()
			return out.result, out.err
		case <-runCtx.Done():
			if vm == nil {
				select {
				case vm = <-vms:
				default:
				}
			}
			if vm != nil {
				vm.Interrupt(ErrInterrupted)
			}
			loop.StopNoWait()
			return Result{}, fmt.Errorf("%w: %v", ErrInterrupted, runCtx.Err())
		}
	}
}

// wrapper builds the function expression the snippet runs in.
func wrapper(names []string, src string) string {
	var b strings.Builder
	b.WriteString("(function (globalThis")
	for _, name := range names {
		b.WriteString(", ")
		b.WriteString(name)
	}
	b.WriteString(") {\"use strict\"; return (async () => {\n")
	b.WriteString(src)
	b.WriteString("\n})()})")
	return b.String()
}

func run(env *Env, src string, names []string, bindings Bindings, finish func(outcome)) {
	vm := env.vm
	args := make([]goja.Value, 0, len(names)+1)
	args = append(args, vm.NewObject())
	for _, name := range names {
		value, err := bindings[name](env)
		if err != nil {
			finish(outcome{err: fmt.Errorf("binding %q: %w", name, err)})
			return
		}
		args = append(args, value)
	}

	compiled, err := vm.RunScript("snippet", wrapper(names, src))
	if err != nil {
		finish(outcome{err: compileError(env, err)})
		return
	}
	fn, ok := goja.AssertFunction(compiled)
	if !ok {
		finish(outcome{err: &CompileError{Message: "snippet wrapper is not callable"}})
		return
	}

	ret, err := fn(goja.Undefined(), args...)
	if err != nil {
		finish(outcome{err: env.thrown(err)})
		return
	}

	promise := ret.ToObject(vm)
	then, ok := goja.AssertFunction(promise.Get("then"))
	if !ok {
		finish(outcome{err: &CompileError{Message: "snippet did not return a promise"}})
		return
	}
	onFulfilled := env.Function(func(call goja.FunctionCall) goja.Value {
		raw, err := env.Stringify(call.Argument(0))
		if err != nil {
			finish(outcome{err: &SerializationError{Err: env.thrown(err)}})
			return goja.Undefined()
		}
		finish(outcome{result: Result{Value: raw, Defined: raw != nil}})
		return goja.Undefined()
	})
	onRejected := env.Function(func(call goja.FunctionCall) goja.Value {
		finish(outcome{err: env.thrownValue(call.Argument(0))})
		return goja.Undefined()
	})
	if _, err := then(promise, onFulfilled, onRejected); err != nil {
		finish(outcome{err: env.thrown(err)})
	}
}

func compileError(env *Env, err error) error {
	thrown := env.thrown(err)
	if te, ok := thrown.(*ThrownError); ok {
		return &CompileError{Message: te.Message, Err: err}
	}
	return &CompileError{Message: err.Error(), Err: err}
}
