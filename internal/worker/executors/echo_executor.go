package executors

import "context"

// EchoExecutor returns its args unchanged. Useful for smoke tests and for
// exercising the full claim/execute/reschedule path without side effects.
type EchoExecutor struct{}

func (e *EchoExecutor) Execute(_ context.Context, env *Env) (string, error) {
	env.Progress("echo: " + env.TaskName)
	if len(env.Args) == 0 {
		return "{}", nil
	}
	return string(env.Args), nil
}

var _ Executor = (*EchoExecutor)(nil)
