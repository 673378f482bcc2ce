package executors

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const pythonParamSchema = `{
	"type": "object",
	"required": ["code"],
	"properties": {
		"code": {"type": "string", "minLength": 1}
	}
}`

// PythonExecutor runs a Python snippet from the task args. The snippet's
// stdout is streamed as progress and returned as the result; stderr is
// folded into the error on failure. The run already happens inside the
// scheduler's task child process, so the interpreter is one level further
// isolated and dies with the child on timeout.
type PythonExecutor struct{}

type pythonArgs struct {
	Code string `json:"code"`
}

func (pe *PythonExecutor) Execute(ctx context.Context, env *Env) (string, error) {
	var args pythonArgs
	if err := json.Unmarshal(env.Args, &args); err != nil {
		return "", fmt.Errorf("invalid python args: %w", err)
	}
	if args.Code == "" {
		return "", fmt.Errorf("python code in args is empty")
	}

	tempDir, err := os.MkdirTemp("", "python_executor_")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	scriptPath := filepath.Join(tempDir, "script.py")
	if err := os.WriteFile(scriptPath, []byte(args.Code), 0o644); err != nil {
		return "", fmt.Errorf("failed to write python script: %w", err)
	}

	cmd := exec.CommandContext(ctx, "python3", scriptPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start python: %w", err)
	}

	var output strings.Builder
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		output.WriteString(line)
		output.WriteString("\n")
		env.Progress(line)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("python script cancelled: %w", ctx.Err())
		}
		return "", fmt.Errorf("python script execution failed: %w. Stderr: %s", err, stderr.String())
	}
	return output.String(), nil
}

var _ Executor = (*PythonExecutor)(nil)
