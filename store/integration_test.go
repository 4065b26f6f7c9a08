package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivet-gg/actorrepl/actor"
	"github.com/rivet-gg/actorrepl/internal/actortest"
	"github.com/rivet-gg/actorrepl/store"
	"github.com/rivet-gg/actorrepl/transport"
	"github.com/rivet-gg/actorrepl/worker"
)

// session wires a store to a worker resolving actors against srv.
func session(t *testing.T, srv *actortest.Server) *store.Store {
	t.Helper()
	w, err := worker.New(worker.Config{
		Resolver: actor.NewManager(actor.ManagerConfig{RetryBase: time.Millisecond}),
	})
	require.NoError(t, err)

	ui, backend := transport.Pipe(0)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = w.Serve(ctx, backend)
	}()

	s := store.New(ui)
	go func() { _ = s.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		_ = ui.Close()
		<-served
	})
	return s
}

func runAndWait(t *testing.T, s *store.Store, p store.Params) store.Command {
	t.Helper()
	key, err := s.RunCode(context.Background(), p)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd, err := s.Wait(ctx, key)
	require.NoError(t, err)
	return cmd
}

func TestSession_IncrementAgainstActor(t *testing.T) {
	srv := actortest.NewCounter("counter-1")
	defer srv.Close()
	s := session(t, srv)

	params := store.Params{
		Code:       "return actor.increment(1)",
		ManagerURL: srv.ManagerURL(),
		ActorID:    srv.ActorID(),
		RPCs:       []string{"increment"},
	}
	first := runAndWait(t, s, params)
	require.Equal(t, store.StatusSuccess, first.Status, "error: %s", first.Error)
	assert.JSONEq(t, "1", string(first.Result))

	second := runAndWait(t, s, params)
	require.Equal(t, store.StatusSuccess, second.Status, "error: %s", second.Error)
	assert.JSONEq(t, "2", string(second.Result))
	require.NotNil(t, second.Formatted)
	assert.Len(t, second.Formatted.Tokens, 1)
}

func TestSession_ThrowReportsMessage(t *testing.T) {
	srv := actortest.NewCounter("counter-1")
	defer srv.Close()
	s := session(t, srv)

	cmd := runAndWait(t, s, store.Params{
		Code:       "console.log('about to fail')\nthrow new Error('boom')",
		ManagerURL: srv.ManagerURL(),
		ActorID:    srv.ActorID(),
	})
	require.Equal(t, store.StatusError, cmd.Status)
	assert.Nil(t, cmd.Result)
	require.Len(t, cmd.Logs, 1)
	assert.Equal(t, `"about to fail"`, cmd.Logs[0].Message)

	var payload struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(cmd.Error, &payload))
	assert.Equal(t, "boom", payload.Message)
	assert.Equal(t, "Error", payload.Name)
}

func TestSession_UnknownActor(t *testing.T) {
	srv := actortest.NewCounter("counter-1")
	defer srv.Close()
	s := session(t, srv)

	cmd := runAndWait(t, s, store.Params{
		Code:       "return 1",
		ManagerURL: srv.ManagerURL(),
		ActorID:    "missing",
	})
	require.Equal(t, store.StatusError, cmd.Status)
	assert.Contains(t, string(cmd.Error), "ConnectionError")
	assert.Contains(t, string(cmd.Error), "actor not found")
}

func TestSession_RemoteRPCError(t *testing.T) {
	srv := actortest.NewCounter("counter-1")
	defer srv.Close()
	s := session(t, srv)

	cmd := runAndWait(t, s, store.Params{
		Code:       `try { await actor.increment("x") } catch (e) { return {name: e.name, code: e.code} }`,
		ManagerURL: srv.ManagerURL(),
		ActorID:    srv.ActorID(),
		RPCs:       []string{"increment"},
	})
	require.Equal(t, store.StatusSuccess, cmd.Status, "error: %s", cmd.Error)
	assert.JSONEq(t, `{"name":"RpcError","code":"invalid_argument"}`, string(cmd.Result))
}
