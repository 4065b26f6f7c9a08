package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rivet-gg/actorrepl/protocol"
	"github.com/rivet-gg/actorrepl/store"
)

func TestDescribeError(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`{"name":"TypeError","message":"x is undefined"}`, "TypeError: x is undefined"},
		{`{"message":"plain"}`, "Error: plain"},
		{`"nope"`, `Uncaught "nope"`},
		{`{"code":1}`, "Uncaught {\n  \"code\": 1\n}"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, describeError(json.RawMessage(tt.raw)))
	}
}

func TestIndentJSON(t *testing.T) {
	assert.Equal(t, "undefined", indentJSON(nil))
	assert.Equal(t, "[\n  1,\n  2\n]", indentJSON(json.RawMessage("[1,2]")))
	assert.Equal(t, "not json", indentJSON(json.RawMessage("not json")))
}

func TestRenderer_Command(t *testing.T) {
	var buf bytes.Buffer
	r := &renderer{out: &buf}
	r.command(store.Command{
		Code:   "console.warn('w')\n42",
		Status: store.StatusSuccess,
		Logs:   []protocol.Log{{Level: "warn", Message: `"w"`}},
		Result: json.RawMessage("42"),
	})

	out := buf.String()
	assert.NotContains(t, out, "console.warn")
	assert.Contains(t, out, "[Warn]")
	assert.Contains(t, out, `"w"`)
	assert.Contains(t, out, "42")
}
