package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivet-gg/actorrepl/actor"
	"github.com/rivet-gg/actorrepl/metrics"
	"github.com/rivet-gg/actorrepl/protocol"
)

// fakeHandle is an actor.Handle whose RPCs are answered by fn.
type fakeHandle struct {
	mu       sync.Mutex
	calls    []string
	disposed int
	fn       func(name string, args json.RawMessage) (json.RawMessage, error)
}

func (h *fakeHandle) RPC(_ context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	h.mu.Lock()
	h.calls = append(h.calls, name+string(args))
	fn := h.fn
	h.mu.Unlock()
	if fn == nil {
		return json.RawMessage("null"), nil
	}
	return fn(name, args)
}

func (h *fakeHandle) Dispose() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disposed++
	return nil
}

func (h *fakeHandle) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *fakeHandle) Disposed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disposed
}

func resolverFor(h actor.Handle) actor.Resolver {
	return actor.ResolverFunc(func(context.Context, string, string) (actor.Handle, error) {
		return h, nil
	})
}

// collector records emitted responses.
type collector struct {
	mu    sync.Mutex
	resps []protocol.Response
}

func (c *collector) emit(resp protocol.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resps = append(c.resps, resp)
}

func (c *collector) all() []protocol.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Response(nil), c.resps...)
}

func types(resps []protocol.Response) []protocol.ResponseType {
	out := make([]protocol.ResponseType, len(resps))
	for i, r := range resps {
		out[i] = r.Type
	}
	return out
}

func newWorker(t *testing.T, h actor.Handle) *Worker {
	t.Helper()
	w, err := New(Config{Resolver: resolverFor(h)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func request(id, code string, rpcs ...string) protocol.Request {
	return protocol.Request{
		Type:       protocol.TypeCode,
		ID:         id,
		Data:       code,
		ManagerURL: "http://127.0.0.1:6420",
		ActorID:    "actor-1",
		RPCs:       rpcs,
	}
}

func runCode(t *testing.T, w *Worker, code string, rpcs ...string) []protocol.Response {
	t.Helper()
	var c collector
	w.Handle(context.Background(), request("req-1", code, rpcs...), c.emit)
	resps := c.all()
	for _, r := range resps {
		assert.Equal(t, "req-1", r.ID)
	}
	return resps
}

func errorPayload(t *testing.T, resp protocol.Response) map[string]any {
	t.Helper()
	require.Equal(t, protocol.ResponseError, resp.Type)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(resp.Data, &payload))
	return payload
}

func TestNew_RequiresResolver(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "Resolver")

	_, err = New(Config{Resolver: resolverFor(&fakeHandle{}), ConnectTimeout: -time.Second})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestHandle_IncrementScenario(t *testing.T) {
	h := &fakeHandle{fn: func(name string, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage("2"), nil
	}}
	w := newWorker(t, h)

	resps := runCode(t, w, "return actor.increment(1)", "increment")
	require.Equal(t, []protocol.ResponseType{protocol.ResponseFormatted, protocol.ResponseResult}, types(resps))
	assert.JSONEq(t, "2", string(resps[1].Data))
	assert.Equal(t, []string{"increment[1]"}, h.Calls())

	assert.Equal(t, 0, h.Disposed(), "successful requests keep their handle")
	require.NoError(t, w.Close())
	assert.Equal(t, 1, h.Disposed())
}

func TestHandle_ThrowScenario(t *testing.T) {
	h := &fakeHandle{}
	w := newWorker(t, h)

	resps := runCode(t, w, "throw new Error('boom')")
	require.Equal(t, []protocol.ResponseType{protocol.ResponseFormatted, protocol.ResponseError}, types(resps))
	payload := errorPayload(t, resps[1])
	assert.Equal(t, "boom", payload["message"])
	assert.Equal(t, "Error", payload["name"])
	assert.Equal(t, 1, h.Disposed(), "failed requests dispose their handle")
}

func TestHandle_ImplicitReturn(t *testing.T) {
	w := newWorker(t, &fakeHandle{})

	resps := runCode(t, w, "1 + 1")
	require.Equal(t, []protocol.ResponseType{protocol.ResponseFormatted, protocol.ResponseResult}, types(resps))
	assert.JSONEq(t, "2", string(resps[1].Data))

	resps = runCode(t, w, "console.log('hi'); 42")
	require.Equal(t, []protocol.ResponseType{
		protocol.ResponseFormatted, protocol.ResponseLog, protocol.ResponseResult,
	}, types(resps))
	log, err := resps[1].Log()
	require.NoError(t, err)
	assert.Equal(t, "log", log.Level)
	assert.Equal(t, `"hi"`, log.Message)
	assert.JSONEq(t, "42", string(resps[2].Data))
}

func TestHandle_LogsBeforeThrowKeepOrder(t *testing.T) {
	w := newWorker(t, &fakeHandle{})

	resps := runCode(t, w, "console.info(1)\nconsole.warn({a: 2})\nthrow 'nope'\nconsole.log('never')")
	require.Equal(t, []protocol.ResponseType{
		protocol.ResponseFormatted, protocol.ResponseLog, protocol.ResponseLog, protocol.ResponseError,
	}, types(resps))

	first, err := resps[1].Log()
	require.NoError(t, err)
	assert.Equal(t, "info", first.Level)
	assert.Equal(t, "1", first.Message)
	second, err := resps[2].Log()
	require.NoError(t, err)
	assert.Equal(t, "warn", second.Level)
	assert.JSONEq(t, `{"a":2}`, second.Message)
	assert.JSONEq(t, `"nope"`, string(resps[3].Data))
}

func TestHandle_FormattedTokens(t *testing.T) {
	w := newWorker(t, &fakeHandle{})

	resps := runCode(t, w, "const a = 1\na")
	require.NotEmpty(t, resps)
	formatted, err := resps[0].Formatted()
	require.NoError(t, err)
	assert.Len(t, formatted.Tokens, 2)
}

func TestHandle_UndefinedResultIsNull(t *testing.T) {
	w := newWorker(t, &fakeHandle{})

	resps := runCode(t, w, "let x = 1")
	require.Equal(t, protocol.ResponseResult, resps[len(resps)-1].Type)
	assert.Equal(t, "null", string(resps[len(resps)-1].Data))
}

func TestHandle_ConnectTimeout(t *testing.T) {
	resolver := actor.ResolverFunc(func(ctx context.Context, _, _ string) (actor.Handle, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	w, err := New(Config{Resolver: resolver, ConnectTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	var c collector
	start := time.Now()
	w.Handle(context.Background(), request("req-1", "return 1"), c.emit)
	assert.Less(t, time.Since(start), 2*time.Second)

	resps := c.all()
	require.Equal(t, []protocol.ResponseType{protocol.ResponseFormatted, protocol.ResponseError}, types(resps))
	payload := errorPayload(t, resps[1])
	assert.Equal(t, "TimeoutError", payload["name"])
	assert.Contains(t, payload["message"], "timed out")
}

func TestHandle_ConnectFailure(t *testing.T) {
	resolver := actor.ResolverFunc(func(context.Context, string, string) (actor.Handle, error) {
		return nil, &actor.ManagerError{Status: 404, Message: "actor not found", Err: actor.ErrNotFound}
	})
	w, err := New(Config{Resolver: resolver})
	require.NoError(t, err)

	var c collector
	w.Handle(context.Background(), request("req-1", "return 1"), c.emit)
	resps := c.all()
	require.Len(t, resps, 2)
	payload := errorPayload(t, resps[1])
	assert.Equal(t, "ConnectionError", payload["name"])
	assert.Contains(t, payload["message"], "actor not found")
}

func TestHandle_SyntaxError(t *testing.T) {
	h := &fakeHandle{}
	w := newWorker(t, h)

	resps := runCode(t, w, "return (")
	require.Equal(t, []protocol.ResponseType{protocol.ResponseFormatted, protocol.ResponseError}, types(resps))
	payload := errorPayload(t, resps[1])
	assert.Equal(t, "SyntaxError", payload["name"])
	assert.NotEmpty(t, payload["message"])
	assert.Equal(t, 1, h.Disposed())
}

func TestHandle_RPCBindings(t *testing.T) {
	h := &fakeHandle{fn: func(name string, args json.RawMessage) (json.RawMessage, error) {
		switch name {
		case "getCount":
			return json.RawMessage("7"), nil
		case "get-count":
			return json.RawMessage("8"), nil
		case "fail":
			return nil, &actor.RPCError{RPC: name, Code: "E_FAIL", Message: "refused"}
		}
		return args, nil
	}}
	w := newWorker(t, h)

	tests := []struct {
		name string
		code string
		rpcs []string
		want string
	}{
		{"top-level", "return await getCount()", []string{"getCount"}, "7"},
		{"method", "return await actor.getCount()", []string{"getCount"}, "7"},
		{"rpc helper", `return await actor.rpc("getCount")`, nil, "7"},
		{"non-identifier", `return await actor["get-count"]()`, []string{"get-count"}, "8"},
		{"non-identifier not global", `return typeof globalThis["get-count"]`, []string{"get-count"}, `"undefined"`},
		{"arguments", `return await actor.echo(1, "a", {b: true}, undefined)`, []string{"echo"}, `[1,"a",{"b":true},null]`},
		{"reserved name stays fixed", "return typeof wait", []string{"wait"}, `"function"`},
		{"rejection", `try { await fail() } catch (e) { return [e.name, e.code, e.message] }`, []string{"fail"},
			`["RpcError","E_FAIL","rpc fail failed: refused (E_FAIL)"]`},
		{"wait", "await wait(5); return 'done'", nil, `"done"`},
		{"wait beyond duration range is pending",
			"let fired = false; wait(1e300).then(() => { fired = true }); wait(Infinity).then(() => { fired = true }); await wait(20); return fired",
			nil, "false"},
		{"event helpers", "return [typeof actor.on, typeof actor.once]", nil, `["function","function"]`},
		{"events need a subscriber", `try { actor.on("changed", () => {}) } catch (e) { return e.message }`, nil,
			`"actor handle does not deliver events"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resps := runCode(t, w, tt.code, tt.rpcs...)
			require.Equal(t, protocol.ResponseResult, resps[len(resps)-1].Type, "got %s", resps[len(resps)-1].Data)
			assert.JSONEq(t, tt.want, string(resps[len(resps)-1].Data))
		})
	}
}

func TestHandle_DisposeFromSnippet(t *testing.T) {
	h := &fakeHandle{}
	w := newWorker(t, h)

	resps := runCode(t, w, "actor.dispose(); return 1")
	assert.Equal(t, protocol.ResponseResult, resps[len(resps)-1].Type)
	assert.Equal(t, 1, h.Disposed())
}

func TestHandle_CancelInterruptsEvaluation(t *testing.T) {
	w := newWorker(t, &fakeHandle{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var c collector
	w.Handle(ctx, request("req-1", "while (true) {}"), c.emit)

	resps := c.all()
	require.Equal(t, []protocol.ResponseType{protocol.ResponseFormatted, protocol.ResponseError}, types(resps))
}

func TestHandle_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	w, err := New(Config{Resolver: resolverFor(&fakeHandle{}), Metrics: m})
	require.NoError(t, err)

	var c collector
	w.Handle(context.Background(), request("a", "1"), c.emit)
	w.Handle(context.Background(), request("b", "throw 1"), c.emit)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues(metrics.OutcomeCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues(metrics.OutcomeFailed)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InFlight))
	assert.Positive(t, testutil.CollectAndCount(m.StageDuration))
}

func TestConnectionError(t *testing.T) {
	timeout := &ConnectionError{ActorID: "a", Err: actor.ErrTimeout}
	assert.True(t, timeout.Timeout())
	assert.True(t, errors.Is(timeout, actor.ErrTimeout))
	assert.JSONEq(t, `{"name":"TimeoutError","message":"actor connection timed out"}`,
		string(protocol.ErrorPayloadFrom(timeout)))

	other := &ConnectionError{ActorID: "a", Err: errors.New("refused")}
	assert.False(t, other.Timeout())
	assert.Equal(t, "connect to actor a: refused", other.Error())
}
