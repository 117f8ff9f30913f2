// Package executor runs model-generated commands against a host session.
// Commands are Starlark programs evaluated in a fresh interpreter with
// only the host's builtins in scope; nothing persists between runs.
package executor

import (
	"errors"
	"fmt"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"mixpilot/internal/host"
)

// maxSteps bounds one command's interpreter work so a generated
// infinite loop cannot wedge the engine.
const maxSteps = 10_000_000

// ConfigError is a precondition failure: the caller handed the executor
// nothing to run against, or nothing to run. It is never retried.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return e.Reason
}

// ExecutionError is a command that failed to parse or raised at runtime.
// Detail carries the interpreter's message, backtrace included, so it
// can be fed back to the model for a retry.
type ExecutionError struct {
	Detail string
}

func (e *ExecutionError) Error() string {
	return "command failed: " + e.Detail
}

// Execute runs one command against the session. Script print output is
// delivered through onOutput line by line. Any transaction left open by
// the script (or by a previous failed run) is aborted, never committed;
// scripts own their transaction boundaries via begin_undo/commit_undo.
func Execute(sess host.Session, command string, onOutput func(string)) (err error) {
	if sess == nil {
		return &ConfigError{Reason: "no host session"}
	}
	if strings.TrimSpace(command) == "" {
		return &ConfigError{Reason: "empty command"}
	}

	// A leftover open transaction from an earlier failure must not
	// absorb this command's side effects.
	if sess.TransactionOpen() {
		sess.AbortTransaction()
	}
	defer func() {
		if sess.TransactionOpen() {
			sess.AbortTransaction()
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			err = &ExecutionError{Detail: fmt.Sprintf("interpreter panic: %v", r)}
		}
	}()

	thread := &starlark.Thread{
		Name: "copilot-command",
		Print: func(_ *starlark.Thread, msg string) {
			if onOutput != nil {
				onOutput(msg)
			}
		},
	}
	thread.SetMaxExecutionSteps(maxSteps)

	predeclared := starlark.StringDict{}
	for name, value := range sess.Builtins() {
		predeclared[name] = value
	}
	predeclared["begin_undo"] = starlark.NewBuiltin("begin_undo",
		func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
				return nil, err
			}
			if sess.TransactionOpen() {
				sess.AbortTransaction()
			}
			sess.BeginTransaction(name)
			return starlark.None, nil
		})
	predeclared["commit_undo"] = starlark.NewBuiltin("commit_undo",
		func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
				return nil, err
			}
			sess.CommitTransaction()
			return starlark.None, nil
		})

	opts := &syntax.FileOptions{
		Set:             true,
		While:           true,
		TopLevelControl: true,
		GlobalReassign:  true,
		Recursion:       true,
	}

	_, runErr := starlark.ExecFileOptions(opts, thread, "command.star", command, predeclared)
	if runErr != nil {
		var evalErr *starlark.EvalError
		if errors.As(runErr, &evalErr) {
			return &ExecutionError{Detail: evalErr.Backtrace()}
		}
		return &ExecutionError{Detail: runErr.Error()}
	}
	return nil
}
