package executors

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"task-scheduler-service/pkg/validation"
)

// Wire conventions between the worker and its child process. The payload
// arrives on the child's stdin; every stdout line is progress text except
// the final result line. A progress line equal to OutputClearMarker tells
// the worker to replace, not append, the output accumulated so far.
const (
	OutputClearMarker = "!clear!"
	resultLinePrefix  = "::result::"
)

// TaskPayload is what the worker pipes to the child's stdin.
type TaskPayload struct {
	TaskID      uint            `json:"task_id"`
	TaskUUID    string          `json:"task_uuid"`
	Name        string          `json:"name"`
	Function    string          `json:"function_ref"`
	Args        json.RawMessage `json:"args,omitempty"`
	Kwargs      json.RawMessage `json:"kwargs,omitempty"`
	ParamSchema string          `json:"param_schema,omitempty"`
}

// ChildResult is the final stdout line of a child run, JSON-encoded after
// the result prefix.
type ChildResult struct {
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ChildMain is the entrypoint of the task child process: decode the
// payload, re-validate args, dispatch through the function table, report
// the verdict. Returns the process exit code.
func ChildMain(stdin io.Reader, stdout io.Writer) int {
	out := &syncWriter{w: stdout}

	var payload TaskPayload
	if err := json.NewDecoder(stdin).Decode(&payload); err != nil {
		writeResult(out, ChildResult{Error: fmt.Sprintf("invalid task payload: %v", err)})
		return 1
	}

	if payload.ParamSchema != "" {
		args := string(payload.Args)
		if args == "" {
			args = "{}"
		}
		if err := validation.ValidateJSONWithSchema(payload.ParamSchema, args); err != nil {
			writeResult(out, ChildResult{Error: fmt.Sprintf("args failed schema validation: %v", err)})
			return 1
		}
	}

	spec, err := Lookup(payload.Function)
	if err != nil {
		writeResult(out, ChildResult{Error: err.Error()})
		return 1
	}

	env := &Env{
		TaskID:   payload.TaskID,
		TaskUUID: payload.TaskUUID,
		TaskName: payload.Name,
		Args:     payload.Args,
		Kwargs:   payload.Kwargs,
		progress: func(line string) { out.writeLine(line) },
	}

	result, err := spec.Executor.Execute(context.Background(), env)
	if err != nil {
		writeResult(out, ChildResult{Result: result, Error: err.Error()})
		return 1
	}
	writeResult(out, ChildResult{Result: result})
	return 0
}

func writeResult(out *syncWriter, res ChildResult) {
	b, err := json.Marshal(res)
	if err != nil {
		out.writeLine(resultLinePrefix + `{"error":"failed to encode result"}`)
		return
	}
	out.writeLine(resultLinePrefix + string(b))
}

// syncWriter serializes line writes; executors may report progress from
// goroutines of their own.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) writeLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.w, strings.TrimRight(line, "\n"))
}

// ParseChildLine classifies one child stdout line. The worker's harness
// feeds every line through this.
func ParseChildLine(line string) (res *ChildResult, progress string, isResult bool) {
	if strings.HasPrefix(line, resultLinePrefix) {
		var r ChildResult
		if err := json.Unmarshal([]byte(line[len(resultLinePrefix):]), &r); err != nil {
			r = ChildResult{Error: "malformed result line from child"}
		}
		return &r, "", true
	}
	return nil, line, false
}

// ReadChildOutput consumes a child's stdout, maintaining the accumulated
// progress text (honoring the clear marker) via onProgress, and returns
// the final result line if one was produced.
func ReadChildOutput(r io.Reader, onProgress func(accumulated string)) *ChildResult {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var buf strings.Builder
	var final *ChildResult
	for scanner.Scan() {
		res, progress, isResult := ParseChildLine(scanner.Text())
		if isResult {
			final = res
			continue
		}
		if progress == OutputClearMarker {
			buf.Reset()
		} else {
			buf.WriteString(progress)
			buf.WriteString("\n")
		}
		if onProgress != nil {
			onProgress(buf.String())
		}
	}
	return final
}
