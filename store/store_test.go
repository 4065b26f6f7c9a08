package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivet-gg/actorrepl/protocol"
	"github.com/rivet-gg/actorrepl/transport"
)

func sequentialIDs() Option {
	var n atomic.Int64
	return WithIDGenerator(func() string {
		return fmt.Sprintf("cmd-%d", n.Add(1))
	})
}

func newStore(t *testing.T) (*Store, transport.Conn) {
	t.Helper()
	client, worker := transport.Pipe(0)
	t.Cleanup(func() { _ = client.Close() })
	return New(client, sequentialIDs()), worker
}

func formatted(id string) protocol.Response {
	return protocol.NewFormatted(id, protocol.Formatted{Tokens: [][]protocol.Token{{{Content: "x", Color: "#fff"}}}, FG: "#fff"})
}

func TestRunCode_SendsRequest(t *testing.T) {
	s, worker := newStore(t)

	key, err := s.RunCode(context.Background(), Params{
		Code:       "return 1",
		ManagerURL: "http://m",
		ActorID:    "a1",
		RPCs:       []string{"increment"},
	})
	require.NoError(t, err)
	assert.Equal(t, "cmd-1", key)

	frame, err := worker.Receive(context.Background())
	require.NoError(t, err)
	req, err := protocol.DecodeRequest(frame)
	require.NoError(t, err)
	assert.Equal(t, protocol.Request{
		Type:       protocol.TypeCode,
		ID:         key,
		Data:       "return 1",
		ManagerURL: "http://m",
		ActorID:    "a1",
		RPCs:       []string{"increment"},
	}, req)

	cmds := s.Snapshot()
	require.Len(t, cmds, 1)
	assert.Equal(t, StatusPending, cmds[0].Status)
	assert.Equal(t, "return 1", cmds[0].Code)
}

func TestRunCode_DefaultIDsAreUnique(t *testing.T) {
	client, _ := transport.Pipe(0)
	defer client.Close()
	s := New(client)

	a, err := s.RunCode(context.Background(), Params{Code: "1"})
	require.NoError(t, err)
	b, err := s.RunCode(context.Background(), Params{Code: "2"})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
}

func TestRunCode_SendFailureMarksError(t *testing.T) {
	client, worker := transport.Pipe(0)
	require.NoError(t, worker.Close())
	s := New(client, sequentialIDs())

	key, err := s.RunCode(context.Background(), Params{Code: "1"})
	require.ErrorIs(t, err, transport.ErrClosed)

	cmd, ok := s.Get(key)
	require.True(t, ok)
	assert.Equal(t, StatusError, cmd.Status)
	assert.Contains(t, string(cmd.Error), "send request")
}

func TestApply_SuccessLifecycle(t *testing.T) {
	s, _ := newStore(t)
	key, err := s.RunCode(context.Background(), Params{Code: "x"})
	require.NoError(t, err)

	s.Apply(formatted(key))
	cmd, _ := s.Get(key)
	assert.Equal(t, StatusFormatted, cmd.Status)
	require.NotNil(t, cmd.Formatted)

	s.Apply(protocol.NewLog(key, "log", `"a"`))
	s.Apply(protocol.NewLog(key, "warn", `"b"`))
	s.Apply(protocol.NewResult(key, json.RawMessage(`2`)))

	cmd, _ = s.Get(key)
	assert.Equal(t, StatusSuccess, cmd.Status)
	assert.Len(t, cmd.Logs, 2)
	assert.Equal(t, "warn", cmd.Logs[1].Level)
	assert.JSONEq(t, "2", string(cmd.Result))
	assert.Nil(t, cmd.Error)
}

func TestApply_ErrorLifecycle(t *testing.T) {
	s, _ := newStore(t)
	key, err := s.RunCode(context.Background(), Params{Code: "x"})
	require.NoError(t, err)

	s.Apply(formatted(key))
	s.Apply(protocol.NewLog(key, "log", `"a"`))
	s.Apply(protocol.NewLog(key, "log", `"b"`))
	s.Apply(protocol.Response{Type: protocol.ResponseError, ID: key, Data: json.RawMessage(`{"name":"Error","message":"boom"}`)})

	cmd, _ := s.Get(key)
	assert.Equal(t, StatusError, cmd.Status)
	assert.Len(t, cmd.Logs, 2)
	assert.JSONEq(t, `{"name":"Error","message":"boom"}`, string(cmd.Error))
	assert.Nil(t, cmd.Result)

	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"result"`)
}

func TestApply_TerminalAbsorbs(t *testing.T) {
	s, _ := newStore(t)
	key, _ := s.RunCode(context.Background(), Params{Code: "x"})

	s.Apply(formatted(key))
	s.Apply(protocol.NewResult(key, json.RawMessage(`1`)))
	before, _ := s.Get(key)

	var notified int
	s.Subscribe(func() { notified++ })
	s.Apply(protocol.NewLog(key, "log", `"late"`))
	s.Apply(protocol.NewError(key, fmt.Errorf("late")))
	s.Apply(formatted(key))

	after, _ := s.Get(key)
	assert.Equal(t, before, after)
	assert.Zero(t, notified)
}

func TestApply_UnknownIDIsNoop(t *testing.T) {
	s, _ := newStore(t)
	key, _ := s.RunCode(context.Background(), Params{Code: "x"})
	before := s.Snapshot()

	var notified int
	s.Subscribe(func() { notified++ })
	s.Apply(formatted("other"))
	s.Apply(protocol.NewLog("other", "log", `"x"`))
	s.Apply(protocol.NewResult("other", nil))

	assert.Equal(t, before, s.Snapshot())
	assert.Zero(t, notified)
	_, ok := s.Get("other")
	assert.False(t, ok)
	cmd, _ := s.Get(key)
	assert.Equal(t, StatusPending, cmd.Status)
}

func TestApply_MalformedFormattedFallsBack(t *testing.T) {
	s, _ := newStore(t)
	key, _ := s.RunCode(context.Background(), Params{Code: "a\n\nb"})

	s.Apply(protocol.Response{Type: protocol.ResponseFormatted, ID: key, Data: json.RawMessage(`{"tokens":"nope"}`)})

	cmd, _ := s.Get(key)
	assert.Equal(t, StatusFormatted, cmd.Status)
	require.NotNil(t, cmd.Formatted)
	assert.Equal(t, protocol.FallbackFormatted("a\n\nb"), *cmd.Formatted)
}

func TestApply_MalformedLogDropped(t *testing.T) {
	s, _ := newStore(t)
	key, _ := s.RunCode(context.Background(), Params{Code: "x"})

	s.Apply(protocol.Response{Type: protocol.ResponseLog, ID: key, Data: json.RawMessage(`{"level":3}`)})
	cmd, _ := s.Get(key)
	assert.Empty(t, cmd.Logs)
}

func TestSnapshot_IsStable(t *testing.T) {
	s, _ := newStore(t)
	key, _ := s.RunCode(context.Background(), Params{Code: "x"})
	s.Apply(protocol.NewLog(key, "log", `"a"`))

	snap := s.Snapshot()
	s.Apply(protocol.NewLog(key, "log", `"b"`))
	s.Apply(protocol.NewResult(key, json.RawMessage(`1`)))

	require.Len(t, snap, 1)
	assert.Len(t, snap[0].Logs, 1)
	assert.Equal(t, StatusPending, snap[0].Status)
}

func TestReset_DropsLateMessages(t *testing.T) {
	s, _ := newStore(t)
	key, _ := s.RunCode(context.Background(), Params{Code: "x"})
	s.Apply(formatted(key))

	s.Reset()
	assert.Empty(t, s.Snapshot())

	var notified int
	s.Subscribe(func() { notified++ })
	s.Apply(protocol.NewResult(key, json.RawMessage(`1`)))
	assert.Empty(t, s.Snapshot())
	assert.Zero(t, notified)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	s, _ := newStore(t)

	var calls int
	unsubscribe := s.Subscribe(func() { calls++ })
	key, _ := s.RunCode(context.Background(), Params{Code: "x"})
	s.Apply(formatted(key))
	assert.Equal(t, 2, calls)

	unsubscribe()
	s.Apply(protocol.NewResult(key, nil))
	assert.Equal(t, 2, calls)
}

func TestWait(t *testing.T) {
	s, _ := newStore(t)
	key, _ := s.RunCode(context.Background(), Params{Code: "x"})

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Apply(formatted(key))
		s.Apply(protocol.NewResult(key, json.RawMessage(`"ok"`)))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cmd, err := s.Wait(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, cmd.Status)

	_, err = s.Wait(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestWait_ContextAndReset(t *testing.T) {
	s, _ := newStore(t)
	key, _ := s.RunCode(context.Background(), Params{Code: "x"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	cmd, err := s.Wait(ctx, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusPending, cmd.Status)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Wait(context.Background(), key)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	s.Reset()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrUnknownCommand)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not observe Reset")
	}
}

func TestRun_AppliesFramesAndDropsGarbage(t *testing.T) {
	s, worker := newStore(t)
	key, err := s.RunCode(context.Background(), Params{Code: "x"})
	require.NoError(t, err)
	_, err = worker.Receive(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	send := func(resp protocol.Response) {
		frame, err := protocol.EncodeResponse(resp)
		require.NoError(t, err)
		require.NoError(t, worker.Send(context.Background(), frame))
	}
	require.NoError(t, worker.Send(context.Background(), []byte(`{"type":"result"}`)))
	send(formatted(key))
	send(protocol.NewLog(key, "log", `"a"`))
	send(protocol.NewResult(key, json.RawMessage(`3`)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cmd, err := s.Wait(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, "3", string(cmd.Result))
	assert.Len(t, cmd.Logs, 1)

	require.NoError(t, worker.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after close")
	}
}
