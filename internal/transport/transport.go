// Package transport owns the channel to the managed router.
//
// Two implementations satisfy Session:
//   - SSHSession (ssh.go): commands run over an SSH exec channel. Connection
//     setup retries with exponential backoff, a transport failure during a
//     command triggers exactly one silent reconnect-and-retry, and every
//     command is bounded by a timeout after which the remote process is killed.
//   - LocalSession (local.go): commands run with "sh -c" on the bot host, for
//     deployments where the bot lives on the router itself.
//
// An SSHSession either closes its client at the end of every Run (one-shot,
// the default) or keeps it for reuse (persistent). In both modes error paths
// close the client, so a failed call never leaves a half-open connection for
// the next one.
//
// Errors are reported as *ConnectionError (retries exhausted) or *ExecError
// (timeout, transport failure, non-zero exit). Callers inspect them with
// errors.As.
package transport

import (
	"context"
	"time"
)

// Session is a channel to the managed host that runs one command at a time.
type Session interface {
	// Connect establishes the underlying connection if it is not already up.
	Connect(ctx context.Context) error
	// Run executes command and returns its trimmed stdout. A zero timeout
	// selects the session default.
	Run(ctx context.Context, command string, timeout time.Duration, opts ...RunOption) (string, error)
	// Disconnect closes the underlying connection. It is safe to call on a
	// disconnected session.
	Disconnect() error
	// State returns the current connection state.
	State() ConnectionState
	// Transitions returns recent state changes, oldest first.
	Transitions() []StateTransition
}

// RunOptions is the resolved form of a Run call's options.
type RunOptions struct {
	// Retry allows one silent reconnect-and-retry after a transport failure.
	Retry bool
}

// RunOption adjusts a single Run call.
type RunOption func(*RunOptions)

// NoRetry disables the silent reconnect-and-retry for commands that must not
// run twice.
func NoRetry() RunOption {
	return func(o *RunOptions) { o.Retry = false }
}

// ResolveRunOptions applies opts to the defaults. Session implementations
// outside this package use it to interpret the options they receive.
func ResolveRunOptions(opts ...RunOption) RunOptions {
	o := RunOptions{Retry: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
