package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	spec, err := Lookup(FunctionEcho)
	require.NoError(t, err)
	assert.NotNil(t, spec.Executor)
	assert.Empty(t, spec.ParamSchema)

	spec, err = Lookup(FunctionPython)
	require.NoError(t, err)
	assert.NotEmpty(t, spec.ParamSchema)

	_, err = Lookup("no-such-function")
	assert.ErrorContains(t, err, "no function registered")
}

func TestCatalog(t *testing.T) {
	schema, ok := Catalog{}.LookupFunction(FunctionPython)
	assert.True(t, ok)
	assert.Contains(t, schema, `"code"`)

	_, ok = Catalog{}.LookupFunction("no-such-function")
	assert.False(t, ok)
}

func TestEchoExecutor(t *testing.T) {
	var lines []string
	env := &Env{
		TaskName: "greeting",
		Args:     json.RawMessage(`{"msg": "hello"}`),
		progress: func(line string) { lines = append(lines, line) },
	}

	result, err := (&EchoExecutor{}).Execute(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, `{"msg": "hello"}`, result)
	assert.Equal(t, []string{"echo: greeting"}, lines)
}

func TestChildMain_EchoRoundTrip(t *testing.T) {
	payload, err := json.Marshal(TaskPayload{
		TaskID:   7,
		TaskUUID: "round-trip-uuid",
		Name:     "round-trip",
		Function: FunctionEcho,
		Args:     json.RawMessage(`{"n": 1}`),
	})
	require.NoError(t, err)

	var stdout bytes.Buffer
	code := ChildMain(bytes.NewReader(payload), &stdout)
	assert.Zero(t, code)

	res := ReadChildOutput(strings.NewReader(stdout.String()), nil)
	require.NotNil(t, res)
	assert.Equal(t, `{"n": 1}`, res.Result)
	assert.Empty(t, res.Error)
}

func TestChildMain_UnknownFunction(t *testing.T) {
	payload, err := json.Marshal(TaskPayload{Function: "no-such-function"})
	require.NoError(t, err)

	var stdout bytes.Buffer
	code := ChildMain(bytes.NewReader(payload), &stdout)
	assert.Equal(t, 1, code)

	res := ReadChildOutput(strings.NewReader(stdout.String()), nil)
	require.NotNil(t, res)
	assert.Contains(t, res.Error, "no function registered")
}

func TestChildMain_SchemaRejectsArgs(t *testing.T) {
	payload, err := json.Marshal(TaskPayload{
		Function:    FunctionEcho,
		Args:        json.RawMessage(`{"other": true}`),
		ParamSchema: `{"type": "object", "required": ["code"]}`,
	})
	require.NoError(t, err)

	var stdout bytes.Buffer
	code := ChildMain(bytes.NewReader(payload), &stdout)
	assert.Equal(t, 1, code)

	res := ReadChildOutput(strings.NewReader(stdout.String()), nil)
	require.NotNil(t, res)
	assert.Contains(t, res.Error, "args failed schema validation")
}

func TestChildMain_MalformedPayload(t *testing.T) {
	var stdout bytes.Buffer
	code := ChildMain(strings.NewReader("not json"), &stdout)
	assert.Equal(t, 1, code)

	res := ReadChildOutput(strings.NewReader(stdout.String()), nil)
	require.NotNil(t, res)
	assert.Contains(t, res.Error, "invalid task payload")
}

func TestParseChildLine(t *testing.T) {
	res, progress, isResult := ParseChildLine("plain progress")
	assert.Nil(t, res)
	assert.Equal(t, "plain progress", progress)
	assert.False(t, isResult)

	res, _, isResult = ParseChildLine(`::result::{"result":"42"}`)
	require.True(t, isResult)
	require.NotNil(t, res)
	assert.Equal(t, "42", res.Result)

	res, _, isResult = ParseChildLine("::result::garbage")
	require.True(t, isResult)
	require.NotNil(t, res)
	assert.Contains(t, res.Error, "malformed result line")
}

func TestReadChildOutput_AccumulatesAndClears(t *testing.T) {
	input := strings.Join([]string{
		"step 1",
		"step 2",
		OutputClearMarker,
		"fresh start",
		`::result::{"result":"done"}`,
	}, "\n") + "\n"

	var snapshots []string
	res := ReadChildOutput(strings.NewReader(input), func(accumulated string) {
		snapshots = append(snapshots, accumulated)
	})

	require.NotNil(t, res)
	assert.Equal(t, "done", res.Result)
	assert.Equal(t, []string{
		"step 1\n",
		"step 1\nstep 2\n",
		"",
		"fresh start\n",
	}, snapshots)
}

func TestReadChildOutput_NoResultLine(t *testing.T) {
	res := ReadChildOutput(strings.NewReader("some progress\n"), nil)
	assert.Nil(t, res)
}

func TestEnvProgressHelpers(t *testing.T) {
	var lines []string
	env := &Env{progress: func(line string) { lines = append(lines, line) }}

	env.Progress("a")
	env.ClearProgress()
	env.Progress("b")
	assert.Equal(t, []string{"a", OutputClearMarker, "b"}, lines)

	// Nil progress is safe.
	(&Env{}).Progress("ignored")
	(&Env{}).ClearProgress()
}
