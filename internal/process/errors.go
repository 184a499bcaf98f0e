package process

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrEmptyCommand is returned when argv has no program.
	ErrEmptyCommand = errors.New("command line is empty")
	// ErrTimeout is returned when Run outlives its timeout.
	ErrTimeout = errors.New("command execution duration exceeded timeout")
	// ErrShutdown is the cancellation cause used when the runner shuts down.
	ErrShutdown = errors.New("host shutting down")
)

// SpawnError reports a child that could not be started at all.
type SpawnError struct {
	Argv []string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("error starting command [%s]: %v", strings.Join(e.Argv, " "), e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError reports a child that ran but did not exit successfully. The
// captured output travels with it.
type ExitError struct {
	Code   int
	State  string
	Stdout string
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with unsuccessful status (%s)", e.State)
}

func newExitError(state *os.ProcessState, stdout, stderr string) *ExitError {
	return &ExitError{
		Code:   state.ExitCode(),
		State:  state.String(),
		Stdout: stdout,
		Stderr: stderr,
	}
}
