package console

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivet-gg/actorrepl/protocol"
	"github.com/rivet-gg/actorrepl/sandbox"
)

type recorder struct {
	mu   sync.Mutex
	logs []protocol.Log
	ids  []string
}

func (r *recorder) emit(resp protocol.Response) {
	log, err := resp.Log()
	if err != nil {
		panic(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, log)
	r.ids = append(r.ids, resp.ID)
}

func evaluate(t *testing.T, src string) (*recorder, error) {
	t.Helper()
	ev, err := sandbox.New(sandbox.Config{})
	require.NoError(t, err)

	rec := &recorder{}
	_, err = ev.Evaluate(context.Background(), src, sandbox.Bindings{"console": New("c1", rec.emit)})
	return rec, err
}

func TestConsole_LevelsInOrder(t *testing.T) {
	rec, err := evaluate(t, `
console.log("a")
console.info(1)
console.warn({ k: [true] })
console.error(null)
console.debug("z")
`)
	require.NoError(t, err)
	assert.Equal(t, []protocol.Log{
		{Level: "log", Message: `"a"`},
		{Level: "info", Message: "1"},
		{Level: "warn", Message: `{"k":[true]}`},
		{Level: "error", Message: "null"},
		{Level: "debug", Message: `"z"`},
	}, rec.logs)
	assert.Equal(t, []string{"c1", "c1", "c1", "c1", "c1"}, rec.ids)
}

func TestConsole_OnlyFirstArgument(t *testing.T) {
	rec, err := evaluate(t, `console.log("first", "second")`)
	require.NoError(t, err)
	assert.Equal(t, []protocol.Log{{Level: "log", Message: `"first"`}}, rec.logs)
}

func TestConsole_UndefinedBecomesNull(t *testing.T) {
	rec, err := evaluate(t, "console.log(); console.log(undefined); console.log(() => 1)")
	require.NoError(t, err)
	require.Len(t, rec.logs, 3)
	for _, log := range rec.logs {
		assert.Equal(t, "null", log.Message)
	}
}

func TestConsole_CircularThrows(t *testing.T) {
	rec, err := evaluate(t, "const a = {}; a.a = a; console.log(a)")
	require.Error(t, err)

	var thrown *sandbox.ThrownError
	require.True(t, errors.As(err, &thrown), "got %v", err)
	assert.Equal(t, "TypeError", thrown.Name)
	assert.Empty(t, rec.logs)
}

func TestConsole_CircularCanBeCaught(t *testing.T) {
	rec, err := evaluate(t, `
const a = {}; a.a = a
try { console.log(a) } catch (e) { console.log("caught") }
`)
	require.NoError(t, err)
	assert.Equal(t, []protocol.Log{{Level: "log", Message: `"caught"`}}, rec.logs)
}
