package turnwire

import (
	"errors"
	"strconv"
)

// Sentinel errors for client operations.
var (
	// ErrNotRunning indicates a write was attempted with no live agent
	// host subprocess (never started, or already exited). Raised
	// synchronously — writes are never queued.
	ErrNotRunning = errors.New("turnwire: agent host not running")

	// ErrStopped indicates the client was disposed. Every request and
	// turn outstanding at disposal is rejected with this error.
	ErrStopped = errors.New("turnwire: client stopped")

	// ErrTimeout indicates a request or turn outlived its deadline with
	// no response from the agent host. Generated locally, never by the
	// host.
	ErrTimeout = errors.New("turnwire: timed out")

	// ErrProtocol indicates the agent host violated the wire contract
	// (e.g. a turn/start response with no turn id). Not retryable:
	// repeating an ill-formed exchange cannot succeed.
	ErrProtocol = errors.New("turnwire: protocol violation")
)

// ExitError represents an agent host subprocess that exited while requests
// or turns were in flight. Wraps the underlying error so consumers can
// errors.As to *exec.ExitError for OS-level detail.
//
// Code semantics: positive = exit status, negative (-1) = signal-killed.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return "turnwire: agent host exited: " + e.Err.Error()
	}
	return "turnwire: agent host exited with status " + strconv.Itoa(e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode extracts the exit code from an error chain containing *ExitError.
// Returns (0, false) if the error does not contain one.
func ExitCode(err error) (int, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}

// RemoteError is an error reported by the agent host in a response frame.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return "turnwire: remote error " + strconv.Itoa(e.Code) + ": " + e.Message
}
