package updatemodule

import (
	"fmt"
	"syscall"
	"time"
)

// FilesystemError represents failures to create, open, write or delete files,
// directories and named pipes of the module's working tree, including conflicts
// with files that already exist.
type FilesystemError struct {
	Op   string // The operation that failed (e.g., "create", "write", "remove")
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error {
	return e.Err
}

// SpawnError represents a module that could not be started at all, typically
// because it is missing or not executable.
type SpawnError struct {
	Verb   string
	Module string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("cannot start update module %s for %s: %v", e.Module, e.Verb, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ExitError represents a module that ran and exited with a non-zero status.
// ExitCode is -1 when the module was killed by a signal.
type ExitError struct {
	Verb     string
	ExitCode int
	Output   string // Tail of the module's stdout and stderr
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("update module %s returned non-zero status: %d", e.Verb, e.ExitCode)
	if e.Output != "" {
		msg += ": " + e.Output
	}

	return msg
}

// Phase tells how far a module got with a pipe before giving up on it.
type Phase string

const (
	// PhaseNeverOpened means the module never opened a pipe it was told about.
	PhaseNeverOpened Phase = "never-opened"
	// PhaseAbandoned means the module closed a pipe before reading all of it.
	PhaseAbandoned Phase = "abandoned"
)

// BrokenPipeError represents a module that stopped taking part in the payload
// streaming protocol before it was complete. It matches syscall.EPIPE.
//
// A module that closes a pipe early and then exits non-zero still yields a
// BrokenPipeError, since the broken pipe is seen first. Its exit code is only
// logged at debug level.
type BrokenPipeError struct {
	Verb  string
	Pipe  string // Pipe path relative to the working tree
	Phase Phase
	Err   error // Underlying I/O error, if any
}

func (e *BrokenPipeError) Error() string {
	msg := fmt.Sprintf("update module %s: broken pipe on %s (%s)", e.Verb, e.Pipe, e.Phase)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *BrokenPipeError) Unwrap() []error {
	if e.Err == nil {
		return []error{syscall.EPIPE}
	}

	return []error{syscall.EPIPE, e.Err}
}

// TimeoutError represents a module that made no progress within the configured
// timeout and was killed. It matches syscall.ETIMEDOUT.
type TimeoutError struct {
	Verb    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("update module %s timed out after %s without progress", e.Verb, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return syscall.ETIMEDOUT
}

// ParseError represents output of NeedsReboot or SupportsRollback that is not one
// of the recognized answers.
type ParseError struct {
	Verb   string
	Output string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unexpected output from update module %s: %q", e.Verb, e.Output)
}
