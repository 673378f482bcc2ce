// Package executors holds the registered-function table. A task's
// function_ref is a key into this table; functions are registered at
// process start, never loaded dynamically. The same table serves both the
// parent worker (for registration-time validation) and the child process
// (for dispatch).
package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Env is the handle an executing function receives: the task's identity
// for logging, its decoded payload, and progress reporting that the worker
// syncs back to the registry at the task's sync interval.
type Env struct {
	TaskID   uint
	TaskUUID string
	TaskName string
	Args     json.RawMessage
	Kwargs   json.RawMessage

	progress ProgressFunc
}

// ProgressFunc receives partial output lines from a running function.
type ProgressFunc func(line string)

// Progress reports a line of partial output.
func (e *Env) Progress(line string) {
	if e.progress != nil {
		e.progress(line)
	}
}

// ClearProgress discards all output reported so far; subsequent progress
// replaces rather than appends.
func (e *Env) ClearProgress() {
	if e.progress != nil {
		e.progress(OutputClearMarker)
	}
}

// Executor is the contract externally-supplied business logic satisfies.
// The context carries the run's timeout; implementations should honor it.
type Executor interface {
	Execute(ctx context.Context, env *Env) (result string, err error)
}

// FunctionSpec pairs an executor with an optional JSON Schema for its args.
type FunctionSpec struct {
	Executor    Executor
	ParamSchema string
}

// Built-in function names.
const (
	FunctionEcho   = "echo"
	FunctionPython = "python"
)

var (
	mu       sync.RWMutex
	registry = make(map[string]FunctionSpec)
)

func init() {
	Register(FunctionEcho, &EchoExecutor{})
	RegisterWithSchema(FunctionPython, &PythonExecutor{}, pythonParamSchema)
}

// Register adds a function with no args schema.
func Register(name string, ex Executor) {
	RegisterWithSchema(name, ex, "")
}

// RegisterWithSchema adds a function whose args must satisfy the given
// JSON Schema. Registering an existing name replaces it.
func RegisterWithSchema(name string, ex Executor, paramSchema string) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = FunctionSpec{Executor: ex, ParamSchema: paramSchema}
}

// Lookup resolves a function name.
func Lookup(name string) (FunctionSpec, error) {
	mu.RLock()
	defer mu.RUnlock()
	spec, ok := registry[name]
	if !ok {
		return FunctionSpec{}, fmt.Errorf("no function registered for name: %s", name)
	}
	return spec, nil
}

// Catalog adapts the table to the registry's FunctionCatalog interface.
type Catalog struct{}

// LookupFunction reports whether the name is registered and its schema.
func (Catalog) LookupFunction(name string) (paramSchema string, ok bool) {
	mu.RLock()
	defer mu.RUnlock()
	spec, ok := registry[name]
	return spec.ParamSchema, ok
}
