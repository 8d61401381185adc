package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"
)

// LocalSession runs commands through a shell on the bot host. It is used when
// the bot is deployed on the router itself.
type LocalSession struct {
	shell          string
	commandTimeout time.Duration
	state          *stateTracker
}

// NewLocalSession creates a LocalSession using /bin/sh. A zero commandTimeout
// selects DefaultCommandTimeout.
func NewLocalSession(commandTimeout time.Duration) *LocalSession {
	if commandTimeout <= 0 {
		commandTimeout = DefaultCommandTimeout
	}
	return &LocalSession{
		shell:          "/bin/sh",
		commandTimeout: commandTimeout,
		state:          newStateTracker(),
	}
}

// Connect verifies that the shell exists.
func (l *LocalSession) Connect(_ context.Context) error {
	if _, err := exec.LookPath(l.shell); err != nil {
		l.state.set(StateFailed, err.Error())
		return &ConnectionError{Addr: "localhost", Attempts: 1, Err: err}
	}
	l.state.set(StateConnected, "local shell available")
	return nil
}

// Run executes command with "sh -c". There is no connection to lose, so the
// retry option has no effect.
func (l *LocalSession) Run(ctx context.Context, command string, timeout time.Duration, _ ...RunOption) (string, error) {
	if l.State() != StateConnected {
		if err := l.Connect(ctx); err != nil {
			return "", err
		}
	}
	if timeout <= 0 {
		timeout = l.commandTimeout
	}

	// Only the timeout stops a running command, matching SSHSession.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, l.shell, "-c", command)
	cmd.WaitDelay = time.Second
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		log.Printf("[transport] local command %q killed after %s", command, timeout)
		return "", &ExecError{Kind: KindTimeout, Command: command, Err: fmt.Errorf("no result after %s", timeout)}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return "", &ExecError{Kind: KindNonZeroExit, Command: command, ExitCode: exitErr.ExitCode(), Stderr: strings.TrimSpace(errBuf.String()), Err: err}
	}
	return interpretResult(command, outBuf.String(), errBuf.String(), err)
}

// Disconnect marks the session disconnected.
func (l *LocalSession) Disconnect() error {
	l.state.set(StateDisconnected, "disconnect requested")
	return nil
}

// State returns the current connection state.
func (l *LocalSession) State() ConnectionState { return l.state.get() }

// Transitions returns the recent state changes, oldest first.
func (l *LocalSession) Transitions() []StateTransition { return l.state.history() }

// OnStateChange registers a callback invoked on every state change.
func (l *LocalSession) OnStateChange(cb StateChangeCallback) { l.state.onChange(cb) }
