package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"task-scheduler-service/internal/registry"
	"task-scheduler-service/internal/worker/executors"
)

// Outcome is the verdict of one task execution.
type Outcome struct {
	Status string // COMPLETED, FAILED, TIMEOUT or STOPPED
	Result string
	Output string // accumulated progress text
	Err    string
}

// OutputSink receives the accumulated partial output of a running task.
type OutputSink func(accumulated string)

// Harness runs one claimed task in isolation and reports the outcome.
type Harness interface {
	Run(ctx context.Context, task *registry.Task, sink OutputSink) Outcome
}

// ProcessHarness executes the task's function in a child process: the
// worker binary re-executed in exec-task mode, payload on stdin, progress
// and result on stdout. A crash or hang in the function can only take down
// the child; the timeout kills it via the command context.
type ProcessHarness struct {
	// Command to launch; defaults to the current binary with "exec-task".
	Command []string
	Log     zerolog.Logger
}

// NewProcessHarness builds the default self-exec harness.
func NewProcessHarness(log zerolog.Logger) (*ProcessHarness, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("cannot locate worker binary: %w", err)
	}
	return &ProcessHarness{Command: []string{exe, "exec-task"}, Log: log}, nil
}

func (h *ProcessHarness) Run(ctx context.Context, task *registry.Task, sink OutputSink) Outcome {
	runCtx := ctx
	var cancel context.CancelFunc
	if task.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(task.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	paramSchema, _ := executors.Catalog{}.LookupFunction(task.FunctionName)
	payload := executors.TaskPayload{
		TaskID:      task.ID,
		TaskUUID:    task.UUID,
		Name:        task.Name,
		Function:    task.FunctionName,
		Args:        json.RawMessage(task.Args),
		Kwargs:      json.RawMessage(task.Kwargs),
		ParamSchema: paramSchema,
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return Outcome{Status: registry.StatusFailed, Err: fmt.Sprintf("failed to encode task payload: %v", err)}
	}

	cmd := exec.CommandContext(runCtx, h.Command[0], h.Command[1:]...)
	cmd.Stdin = bytes.NewReader(payloadBytes)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{Status: registry.StatusFailed, Err: fmt.Sprintf("failed to open child stdout: %v", err)}
	}

	if err := cmd.Start(); err != nil {
		return Outcome{Status: registry.StatusFailed, Err: fmt.Sprintf("failed to start task child process: %v", err)}
	}
	h.Log.Debug().Uint("task_id", task.ID).Int("pid", cmd.Process.Pid).Msg("task child process started")

	var output string
	result := executors.ReadChildOutput(stdout, func(accumulated string) {
		output = accumulated
		if sink != nil {
			sink(accumulated)
		}
	})
	waitErr := cmd.Wait()

	// Timeout and cooperative stop both surface as a killed child; the
	// context errors tell them apart.
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return Outcome{
			Status: registry.StatusTimeout,
			Output: output,
			Err:    fmt.Sprintf("execution exceeded timeout of %ds", task.TimeoutSeconds),
		}
	}
	if ctx.Err() != nil {
		return Outcome{Status: registry.StatusStopped, Output: output, Err: "stopped while running"}
	}

	if result == nil {
		errMsg := "child process produced no result"
		if waitErr != nil {
			errMsg = fmt.Sprintf("child process failed: %v", waitErr)
		}
		if s := strings.TrimSpace(stderr.String()); s != "" {
			errMsg += "; stderr: " + tail(s, 1024)
		}
		return Outcome{Status: registry.StatusFailed, Output: output, Err: errMsg}
	}
	if result.Error != "" || waitErr != nil {
		errMsg := result.Error
		if errMsg == "" {
			errMsg = fmt.Sprintf("child process failed: %v", waitErr)
		}
		return Outcome{Status: registry.StatusFailed, Result: result.Result, Output: output, Err: errMsg}
	}
	return Outcome{Status: registry.StatusCompleted, Result: result.Result, Output: output}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}
