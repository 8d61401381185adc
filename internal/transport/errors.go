package transport

import (
	"errors"
	"fmt"
)

// ErrUnreachable matches any *ConnectionError via errors.Is.
var ErrUnreachable = errors.New("host unreachable")

// ConnectionError is returned when every connection attempt failed.
type ConnectionError struct {
	Addr     string
	Attempts int
	Err      error // last dial or handshake error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s unreachable after %d attempt(s): %v", e.Addr, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is reports ErrUnreachable as a match so callers need not know the address.
func (e *ConnectionError) Is(target error) bool { return target == ErrUnreachable }

// ExecErrorKind classifies a failed command.
type ExecErrorKind int

const (
	// KindTransport means the channel failed underneath the command.
	KindTransport ExecErrorKind = iota
	// KindTimeout means the command exceeded its deadline and was killed.
	KindTimeout
	// KindNonZeroExit means the command ran but reported failure, either by
	// exit status or by writing to stderr.
	KindNonZeroExit
)

func (k ExecErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindNonZeroExit:
		return "non-zero exit"
	default:
		return "unknown"
	}
}

// ExecError describes a command that did not complete successfully.
type ExecError struct {
	Kind     ExecErrorKind
	Command  string
	ExitCode int    // meaningful for KindNonZeroExit
	Stderr   string // remote diagnostic, may be empty
	Err      error
}

func (e *ExecError) Error() string {
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("command %q timed out: %v", e.Command, e.Err)
	case KindNonZeroExit:
		if e.Stderr != "" {
			return fmt.Sprintf("command %q exited with status %d: %s", e.Command, e.ExitCode, e.Stderr)
		}
		return fmt.Sprintf("command %q exited with status %d", e.Command, e.ExitCode)
	default:
		return fmt.Sprintf("command %q: %s error: %v", e.Command, e.Kind, e.Err)
	}
}

func (e *ExecError) Unwrap() error { return e.Err }

// IsKind reports whether err is an *ExecError of the given kind.
func IsKind(err error, kind ExecErrorKind) bool {
	var ee *ExecError
	return errors.As(err, &ee) && ee.Kind == kind
}
