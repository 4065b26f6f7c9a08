package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
)

// Binding builds one injected value. It runs on the event loop before the
// snippet starts.
type Binding func(env *Env) (goja.Value, error)

// Bindings maps parameter names to the bindings that produce their values.
type Bindings map[string]Binding

// Func returns a binding that injects a callable backed by fn.
func Func(fn func(env *Env, call goja.FunctionCall) goja.Value) Binding {
	return func(env *Env) (goja.Value, error) {
		return env.Function(func(call goja.FunctionCall) goja.Value {
			return fn(env, call)
		}), nil
	}
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

var reservedWords = map[string]bool{
	"arguments": true, "await": true, "break": true, "case": true, "catch": true,
	"class": true, "const": true, "continue": true, "debugger": true, "default": true,
	"delete": true, "do": true, "else": true, "enum": true, "eval": true,
	"export": true, "extends": true, "false": true, "finally": true, "for": true,
	"function": true, "globalThis": true, "if": true, "implements": true, "import": true,
	"in": true, "instanceof": true, "interface": true, "let": true, "new": true,
	"null": true, "package": true, "private": true, "protected": true, "public": true,
	"return": true, "static": true, "super": true, "switch": true, "this": true,
	"throw": true, "true": true, "try": true, "typeof": true, "var": true,
	"void": true, "while": true, "with": true, "yield": true,
}

// IsIdentifier reports whether name can be used as a binding name in strict
// mode code.
func IsIdentifier(name string) bool {
	return identifierPattern.MatchString(name) && !reservedWords[name]
}

// Env gives bindings access to the runtime of one evaluation. Its methods
// must be called on the event loop, that is from a Binding or from a
// function the script invoked, unless stated otherwise.
type Env struct {
	ctx       context.Context
	vm        *goja.Runtime
	loop      *eventloop.EventLoop
	scope     *scope
	stringify goja.Callable
	parse     goja.Callable
	errorCtor goja.Value

	// keepPositions keeps snippet line and column numbers in stacks.
	keepPositions bool
	// srcLines is the number of lines of the evaluated source.
	srcLines int
}

// scope holds the cleanups of one evaluation.
type scope struct {
	mu       sync.Mutex
	done     bool
	cleanups []func()
}

func (s *scope) add(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.cleanups = append(s.cleanups, fn)
	return true
}

func (s *scope) ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// close runs the cleanups in reverse registration order. Only the first
// call has an effect.
func (s *scope) close() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	cleanups := s.cleanups
	s.cleanups = nil
	s.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}

func newEnv(ctx context.Context, vm *goja.Runtime, loop *eventloop.EventLoop, sc *scope) (*Env, error) {
	jsonValue := vm.Get("JSON")
	if jsonValue == nil || goja.IsUndefined(jsonValue) {
		return nil, errors.New("runtime has no JSON object")
	}
	jsonObj := jsonValue.ToObject(vm)
	stringify, ok := goja.AssertFunction(jsonObj.Get("stringify"))
	if !ok {
		return nil, errors.New("runtime has no JSON.stringify")
	}
	parse, ok := goja.AssertFunction(jsonObj.Get("parse"))
	if !ok {
		return nil, errors.New("runtime has no JSON.parse")
	}
	return &Env{
		ctx:       ctx,
		vm:        vm,
		loop:      loop,
		scope:     sc,
		stringify: stringify,
		parse:     parse,
		errorCtor: vm.Get("Error"),
	}, nil
}

// Context returns the context of the evaluation. It may be used from any
// goroutine.
func (e *Env) Context() context.Context {
	return e.ctx
}

// Defer registers fn to run once the evaluation has ended, successfully or
// not. When it has already ended fn runs right away. It may be used from any
// goroutine.
func (e *Env) Defer(fn func()) {
	if !e.scope.add(fn) {
		fn()
	}
}

// Schedule queues fn to run on the event loop and reports whether it was
// queued. fn never runs after the evaluation has ended. It may be used from
// any goroutine.
func (e *Env) Schedule(fn func()) bool {
	if e.scope.ended() {
		return false
	}
	return e.loop.RunOnLoop(func(*goja.Runtime) {
		if !e.scope.ended() {
			fn()
		}
	})
}

// Runtime returns the underlying runtime.
func (e *Env) Runtime() *goja.Runtime {
	return e.vm
}

// Function wraps fn as a script callable.
func (e *Env) Function(fn func(call goja.FunctionCall) goja.Value) goja.Value {
	return e.vm.ToValue(fn)
}

// Stringify serializes v with the engine's JSON.stringify. It returns nil
// when v serializes to undefined, as functions and undefined do. Errors
// raised by JSON.stringify are returned as *goja.Exception so they can be
// rethrown with Throw.
func (e *Env) Stringify(v goja.Value) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	out, err := e.stringify(goja.Undefined(), v)
	if err != nil {
		return nil, err
	}
	if out == nil || goja.IsUndefined(out) {
		return nil, nil
	}
	return json.RawMessage(out.String()), nil
}

// Parse converts raw JSON into a script value with the engine's JSON.parse.
// Empty input yields undefined.
func (e *Env) Parse(raw json.RawMessage) (goja.Value, error) {
	if len(raw) == 0 {
		return goja.Undefined(), nil
	}
	return e.parse(goja.Undefined(), e.vm.ToValue(string(raw)))
}

// NewError creates a script Error object with the given name, message and
// extra own properties.
func (e *Env) NewError(name, message string, props map[string]any) goja.Value {
	obj, err := e.vm.New(e.errorCtor, e.vm.ToValue(message))
	if err != nil {
		return e.vm.ToValue(message)
	}
	if name != "" && name != "Error" {
		_ = obj.Set("name", name)
	}
	for key, value := range props {
		if raw, ok := value.(json.RawMessage); ok {
			parsed, perr := e.Parse(raw)
			if perr != nil {
				continue
			}
			_ = obj.Set(key, parsed)
			continue
		}
		_ = obj.Set(key, value)
	}
	return obj
}

// Throw raises err inside the running script. Script exceptions are
// rethrown as they are; other errors become Error objects. Throw never
// returns and must only be called from a function invoked by the script.
func (e *Env) Throw(err error) {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		panic(ex.Value())
	}
	panic(e.ErrorValue(err))
}

// ErrorValue converts a Go error into a script Error object, honoring
// ScriptError.
func (e *Env) ErrorValue(err error) goja.Value {
	var se ScriptError
	if errors.As(err, &se) {
		name, props := se.ScriptError()
		return e.NewError(name, se.Error(), props)
	}
	return e.NewError("Error", err.Error(), nil)
}

// Promise returns a promise settled by fn. fn runs on its own goroutine with
// the evaluation context; the promise resolves with the parsed JSON result
// or rejects with the error converted by ErrorValue. An empty result
// resolves to undefined.
func (e *Env) Promise(fn func(ctx context.Context) (json.RawMessage, error)) goja.Value {
	promise, resolve, reject := e.vm.NewPromise()
	go func() {
		raw, err := fn(e.ctx)
		e.loop.RunOnLoop(func(*goja.Runtime) {
			if err != nil {
				reject(e.ErrorValue(err))
				return
			}
			value, perr := e.Parse(raw)
			if perr != nil {
				reject(e.ErrorValue(fmt.Errorf("malformed result: %w", perr)))
				return
			}
			resolve(value)
		})
	}()
	return e.vm.ToValue(promise)
}

// Sleep returns a promise that resolves to undefined after d.
func (e *Env) Sleep(d time.Duration) goja.Value {
	if d < 0 {
		d = 0
	}
	promise, resolve, _ := e.vm.NewPromise()
	e.loop.SetTimeout(func(*goja.Runtime) {
		resolve(goja.Undefined())
	}, d)
	return e.vm.ToValue(promise)
}

// thrown converts an error returned by a script call into a Go error.
func (e *Env) thrown(err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return e.thrownValue(ex.Value())
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("%w: %v", ErrInterrupted, interrupted.Value())
	}
	return err
}

// thrownValue builds a ThrownError from the value a script threw. Error
// objects become {name, message, stack, ...own properties}; any other value
// keeps its JSON form, or its string form when it has none.
func (e *Env) thrownValue(v goja.Value) (te *ThrownError) {
	te = &ThrownError{}
	defer func() {
		// A throwing getter must not take down the loop.
		if r := recover(); r != nil {
			te.Value, _ = json.Marshal(map[string]string{"name": te.Name, "message": te.Message})
		}
	}()

	if obj, ok := v.(*goja.Object); ok && obj.ClassName() == "Error" {
		te.Name = propString(obj, "name")
		te.Message = propString(obj, "message")
		te.Stack = cleanStack(propString(obj, "stack"), e.srcLines, e.keepPositions)

		payload := map[string]json.RawMessage{}
		for _, key := range obj.Keys() {
			if raw, err := e.Stringify(obj.Get(key)); err == nil && raw != nil {
				payload[key] = raw
			}
		}
		payload["name"], _ = json.Marshal(te.Name)
		payload["message"], _ = json.Marshal(te.Message)
		delete(payload, "stack")
		if te.Stack != "" {
			payload["stack"], _ = json.Marshal(te.Stack)
		}
		te.Value, _ = json.Marshal(payload)
		return te
	}

	if v == nil {
		v = goja.Undefined()
	}
	te.Message = v.String()
	if raw, err := e.Stringify(v); err == nil && raw != nil {
		te.Value = raw
		return te
	}
	te.Value, _ = json.Marshal(te.Message)
	return te
}

func propString(obj *goja.Object, key string) string {
	v := obj.Get(key)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

// wrapperLines is the number of lines the wrapper puts before the snippet.
const wrapperLines = 1

var snippetPosition = regexp.MustCompile(`snippet:(\d+):(\d+)\(\d+\)`)

// cleanStack removes frames of native functions and of the wrapper from a
// stack trace of a source with srcLines lines. Snippet positions are made
// relative to that source, or removed unless keepPositions is set.
func cleanStack(stack string, srcLines int, keepPositions bool) string {
	if stack == "" {
		return ""
	}
	lines := strings.Split(stack, "\n")
	out := make([]string, 0, len(lines))
	for i, line := range lines {
		frame := strings.TrimSpace(line)
		if i == 0 || !strings.HasPrefix(frame, "at ") {
			out = append(out, line)
			continue
		}
		if frame == "at native" || strings.HasSuffix(frame, "(native)") {
			continue
		}
		m := snippetPosition.FindStringSubmatchIndex(line)
		if m == nil {
			out = append(out, line)
			continue
		}
		n, err := strconv.Atoi(line[m[2]:m[3]])
		if err != nil || n <= wrapperLines || n > wrapperLines+srcLines {
			continue
		}
		pos := "snippet"
		if keepPositions {
			pos = "snippet:" + strconv.Itoa(n-wrapperLines) + ":" + line[m[4]:m[5]]
		}
		out = append(out, line[:m[0]]+pos+line[m[1]:])
	}
	return strings.Join(out, "\n")
}
