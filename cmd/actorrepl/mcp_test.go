package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivet-gg/actorrepl/internal/actortest"
	"github.com/rivet-gg/actorrepl/protocol"
	"github.com/rivet-gg/actorrepl/store"
)

func TestCommandOutput(t *testing.T) {
	out, err := commandOutput(store.Command{
		Status: store.StatusError,
		Logs:   []protocol.Log{{Level: "warn", Message: `"careful"`}},
		Error:  json.RawMessage(`{"name":"Error","message":"boom"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, out.Status)
	assert.Equal(t, []logLine{{Level: "warn", Message: `"careful"`}}, out.Logs)
	assert.Nil(t, out.Result)
	assert.Equal(t, map[string]any{"name": "Error", "message": "boom"}, out.Error)

	out, err = commandOutput(store.Command{Status: store.StatusSuccess, Result: json.RawMessage(`[1,2]`)})
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2)}, out.Result)
	assert.NotNil(t, out.Logs)
}

func TestMCPTools_SearchRPCs(t *testing.T) {
	tools := &mcpTools{cat: testCatalog(t, "actor-counter")}

	_, out, err := tools.searchRPCs(context.Background(), nil, searchInput{Query: "increment"})
	require.NoError(t, err)
	require.NotEmpty(t, out.Results)
	assert.Equal(t, rpcMatch{
		ID:          "counter:increment",
		Actor:       "counter",
		RPC:         "increment",
		Description: out.Results[0].Description,
	}, out.Results[0])
	assert.Contains(t, out.Results[0].Description, "Adds a number")
}

func TestMCPTools_RunCode(t *testing.T) {
	srv := actortest.NewCounter("actor-counter")
	defer srv.Close()
	sess, cfg := localSession(t, srv)
	tools := &mcpTools{sess: sess, cfg: cfg, cat: testCatalog(t, "actor-counter")}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, out, err := tools.runCode(ctx, nil, runCodeInput{
		Code:  "console.log('adding'); await actor.increment(2)",
		Actor: "counter",
	})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, store.StatusSuccess, out.Status)
	assert.Equal(t, float64(2), out.Result)
	require.Len(t, out.Logs, 1)
	assert.Equal(t, "log", out.Logs[0].Level)

	res, out, err = tools.runCode(ctx, nil, runCodeInput{Code: "throw new Error('boom')", Actor: "counter"})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.IsError)
	assert.Equal(t, store.StatusError, out.Status)

	_, _, err = tools.runCode(ctx, nil, runCodeInput{Actor: "counter"})
	assert.Error(t, err)
	_, _, err = tools.runCode(ctx, nil, runCodeInput{Code: "1"})
	assert.Error(t, err)
}
