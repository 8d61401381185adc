// Package executor turns the fixed verb vocabulary into router commands and
// runs them over a transport.Session, one at a time.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/gluk-w/kvasbot/internal/domain"
	"github.com/gluk-w/kvasbot/internal/logutil"
	"github.com/gluk-w/kvasbot/internal/transport"
)

// Verb is one of the allow-listed remote operations.
type Verb string

const (
	VerbList   Verb = "list"
	VerbAdd    Verb = "add"
	VerbDelete Verb = "delete"
	VerbReboot Verb = "reboot"

	// verbPing is the connectivity check behind Ping. It is not user-selectable.
	verbPing Verb = "ping"
)

// TakesDomain reports whether the verb requires a domain argument.
func (v Verb) TakesDomain() bool {
	return v == VerbAdd || v == VerbDelete
}

// pingCommand is harmless on every router shell.
const pingCommand = "pwd"

// Invocation is a single request to run a verb.
type Invocation struct {
	ID       string // generated when empty
	Verb     Verb
	Argument string
	// Timeout overrides the per-verb default when non-zero.
	Timeout time.Duration
	UserID  int64
}

// ValidationError is returned when a verb argument fails validation. The
// transport is never contacted in that case.
type ValidationError struct {
	Verb     Verb
	Argument string
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Verb, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Record describes a finished invocation for a Recorder.
type Record struct {
	InvocationID string
	Verb         Verb
	Argument     string
	UserID       int64
	Command      string
	Output       string
	Err          error
	StartedAt    time.Time
	Duration     time.Duration
}

// Recorder receives every finished invocation, successful or not.
type Recorder interface {
	Record(ctx context.Context, rec Record)
}

// Config controls how commands are built.
type Config struct {
	// KvasBinary is the name or path of the unblocking tool on the router.
	KvasBinary string
	// ExecPrefix replaces the remote shell with the command ("exec kvas ...")
	// so that killing the session kills the command.
	ExecPrefix bool
	// Timeouts holds per-verb defaults; verbs without an entry use the
	// session default.
	Timeouts map[Verb]time.Duration
}

// DefaultTimeouts are the per-verb timeouts used when Config.Timeouts is nil.
func DefaultTimeouts() map[Verb]time.Duration {
	return map[Verb]time.Duration{
		VerbAdd:    60 * time.Second,
		VerbDelete: 30 * time.Second,
		VerbReboot: 10 * time.Second,
	}
}

// Executor runs verbs on the router. At most one command is in flight at a
// time across all callers.
type Executor struct {
	session  transport.Session
	cfg      Config
	sem      *semaphore.Weighted
	recorder Recorder
}

// Option configures an Executor.
type Option func(*Executor)

// WithRecorder attaches a Recorder that sees every invocation.
func WithRecorder(r Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// New creates an Executor over session.
func New(session transport.Session, cfg Config, opts ...Option) *Executor {
	if cfg.KvasBinary == "" {
		cfg.KvasBinary = "kvas"
	}
	if cfg.Timeouts == nil {
		cfg.Timeouts = DefaultTimeouts()
	}
	e := &Executor{
		session: session,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Command returns the literal remote command for verb. Domain arguments are
// validated before they are interpolated.
func (e *Executor) Command(verb Verb, argument string) (string, error) {
	if verb.TakesDomain() {
		if err := domain.Validate(argument); err != nil {
			return "", &ValidationError{Verb: verb, Argument: argument, Err: err}
		}
	}

	var cmd string
	switch verb {
	case VerbList:
		cmd = e.cfg.KvasBinary + " list"
	case VerbAdd:
		cmd = fmt.Sprintf("%s add %s -y", e.cfg.KvasBinary, argument)
	case VerbDelete:
		cmd = fmt.Sprintf("%s del %s -y", e.cfg.KvasBinary, argument)
	case VerbReboot:
		cmd = "system reboot"
	case verbPing:
		return pingCommand, nil
	default:
		return "", &ValidationError{Verb: verb, Err: errors.New("unknown verb")}
	}

	if e.cfg.ExecPrefix {
		cmd = "exec " + cmd
	}
	return cmd, nil
}

// Execute runs inv and returns the command's stdout. Errors are
// *ValidationError, *transport.ConnectionError or *transport.ExecError,
// wrapped with the verb for context.
func (e *Executor) Execute(ctx context.Context, inv Invocation) (string, error) {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}

	cmd, err := e.Command(inv.Verb, inv.Argument)
	if err != nil {
		log.Printf("[executor] %s rejected %s %q for user %d: %v",
			inv.ID, inv.Verb, logutil.SanitizeForLog(inv.Argument), inv.UserID, err)
		return "", err
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeouts[inv.Verb]
	}

	var opts []transport.RunOption
	if inv.Verb == VerbReboot {
		// The router drops the connection while rebooting; never run it twice.
		opts = append(opts, transport.NoRetry())
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("%s: wait for running command: %w", inv.Verb, err)
	}
	defer e.sem.Release(1)

	start := time.Now()
	out, err := e.session.Run(ctx, cmd, timeout, opts...)
	elapsed := time.Since(start)

	if err != nil && inv.Verb == VerbReboot && transport.IsKind(err, transport.KindTransport) {
		log.Printf("[executor] %s connection dropped during reboot, treating as success: %v", inv.ID, err)
		out, err = "", nil
	}

	if err != nil {
		log.Printf("[executor] %s %s %q for user %d failed after %s: %v",
			inv.ID, inv.Verb, inv.Argument, inv.UserID, elapsed.Round(time.Millisecond), err)
	} else {
		log.Printf("[executor] %s %s %q for user %d ok in %s",
			inv.ID, inv.Verb, inv.Argument, inv.UserID, elapsed.Round(time.Millisecond))
	}

	if e.recorder != nil {
		e.recorder.Record(ctx, Record{
			InvocationID: inv.ID,
			Verb:         inv.Verb,
			Argument:     inv.Argument,
			UserID:       inv.UserID,
			Command:      cmd,
			Output:       out,
			Err:          err,
			StartedAt:    start,
			Duration:     elapsed,
		})
	}

	if err != nil {
		return "", fmt.Errorf("%s: %w", inv.Verb, err)
	}
	return out, nil
}

// Ping runs a harmless command to check that the router accepts
// commands.
func (e *Executor) Ping(ctx context.Context, userID int64) error {
	_, err := e.Execute(ctx, Invocation{Verb: verbPing, UserID: userID, Timeout: 15 * time.Second})
	return err
}

// State returns the connection state of the underlying session.
func (e *Executor) State() transport.ConnectionState {
	return e.session.State()
}
