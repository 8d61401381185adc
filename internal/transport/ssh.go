package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Defaults applied to zero-valued SSHConfig fields.
const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultCommandTimeout = 120 * time.Second
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = 2 * time.Second
)

// SSHConfig describes how to reach the router over SSH.
type SSHConfig struct {
	Host            string
	Port            int
	User            string
	Auth            []ssh.AuthMethod
	HostKeyCallback ssh.HostKeyCallback

	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	// MaxRetries is the number of connection attempts before giving up.
	MaxRetries int
	// RetryBaseDelay is the wait after the first failed attempt; it doubles
	// after each further failure.
	RetryBaseDelay time.Duration

	// Persistent keeps the client open between commands. When false the
	// client is closed at the end of every Run.
	Persistent bool
}

func (c SSHConfig) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SSHSession runs commands on the router over SSH. Run calls are serialised.
type SSHSession struct {
	cfg  SSHConfig
	dial func(ctx context.Context) (*ssh.Client, error)

	mu     sync.Mutex
	client *ssh.Client

	state *stateTracker
}

// NewSSHSession creates a disconnected session. No network I/O happens until
// Connect or Run.
func NewSSHSession(cfg SSHConfig) *SSHSession {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.HostKeyCallback == nil {
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	s := &SSHSession{
		cfg:   cfg,
		state: newStateTracker(),
	}
	s.dial = s.dialSSH
	return s
}

// dialSSH opens one TCP connection and performs the SSH handshake.
func (s *SSHSession) dialSSH(ctx context.Context) (*ssh.Client, error) {
	addr := s.cfg.addr()
	clientCfg := &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            s.cfg.Auth,
		HostKeyCallback: s.cfg.HostKeyCallback,
		Timeout:         s.cfg.ConnectTimeout,
	}

	dialer := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// NewClientConn has no timeout of its own.
	_ = netConn.SetDeadline(time.Now().Add(s.cfg.ConnectTimeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = netConn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Connect establishes the SSH connection, retrying with exponential backoff.
func (s *SSHSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx, s.cfg.ConnectTimeout)
}

// connectLocked makes up to MaxRetries attempts, waiting
// RetryBaseDelay*2^attempt after each failed one except the last. A reused
// persistent client must answer a keepalive within aliveWait.
// Caller must hold s.mu.
func (s *SSHSession) connectLocked(ctx context.Context, aliveWait time.Duration) error {
	if s.client != nil {
		if s.cfg.Persistent && !s.aliveLocked(aliveWait) {
			s.closeLocked("keepalive failed")
		} else {
			return nil
		}
	}

	addr := s.cfg.addr()
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		s.state.set(StateConnecting, fmt.Sprintf("attempt %d/%d to %s", attempt+1, s.cfg.MaxRetries, addr))

		client, err := s.dial(ctx)
		if err == nil {
			s.client = client
			s.state.set(StateConnected, fmt.Sprintf("connected to %s", addr))
			log.Printf("[transport] SSH connected to %s (attempt %d)", addr, attempt+1)
			return nil
		}
		lastErr = err
		log.Printf("[transport] SSH connect attempt %d/%d to %s failed: %v", attempt+1, s.cfg.MaxRetries, addr, err)

		if attempt == s.cfg.MaxRetries-1 {
			break
		}
		delay := s.cfg.RetryBaseDelay * time.Duration(1<<attempt)
		select {
		case <-ctx.Done():
			s.state.set(StateDisconnected, "connect cancelled")
			return fmt.Errorf("connect to %s: %w", addr, ctx.Err())
		case <-time.After(delay):
		}
	}

	s.state.set(StateFailed, fmt.Sprintf("gave up after %d attempts: %v", s.cfg.MaxRetries, lastErr))
	return &ConnectionError{Addr: addr, Attempts: s.cfg.MaxRetries, Err: lastErr}
}

// aliveLocked sends an OpenSSH keepalive on the current client and waits at
// most wait for the answer. A half-open connection never answers; the caller
// closes the client, which releases the blocked request.
func (s *SSHSession) aliveLocked(wait time.Duration) bool {
	client := s.client
	done := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		done <- err
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case err := <-done:
		return err == nil
	case <-timer.C:
		log.Printf("[transport] keepalive to %s unanswered after %s", s.cfg.addr(), wait)
		return false
	}
}

// Run executes command on the router. A transport failure is retried once on
// a fresh connection unless NoRetry is given. The command is killed when
// timeout elapses. Cancelling ctx aborts connection attempts but not a command
// that is already running; the timeout bounds it.
func (s *SSHSession) Run(ctx context.Context, command string, timeout time.Duration, opts ...RunOption) (string, error) {
	o := ResolveRunOptions(opts...)
	if timeout <= 0 {
		timeout = s.cfg.CommandTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Persistent {
		defer s.closeLocked("one-shot command finished")
	}

	maxAttempts := 1
	if o.Retry {
		maxAttempts = 2
	}

	for attempt := 1; ; attempt++ {
		if err := s.connectLocked(ctx, min(timeout, s.cfg.ConnectTimeout)); err != nil {
			if attempt > 1 {
				return "", &ExecError{Kind: KindTransport, Command: command, Err: err}
			}
			return "", err
		}

		out, err := runCommand(s.client, command, timeout)
		if err == nil {
			return out, nil
		}

		var ee *ExecError
		if !errors.As(err, &ee) || ee.Kind != KindNonZeroExit {
			// Timeouts and transport failures leave the client in an unknown state.
			s.closeLocked(err.Error())
		}
		if ee != nil && ee.Kind == KindTransport && attempt < maxAttempts {
			log.Printf("[transport] transport error running %q, reconnecting once: %v", command, err)
			continue
		}
		return "", err
	}
}

// Disconnect closes the SSH connection.
func (s *SSHSession) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked("disconnect requested")
}

// closeLocked closes and forgets the client. Caller must hold s.mu.
func (s *SSHSession) closeLocked(reason string) error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	s.state.set(StateDisconnected, reason)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close ssh connection to %s: %w", s.cfg.addr(), err)
	}
	return nil
}

// State returns the current connection state.
func (s *SSHSession) State() ConnectionState { return s.state.get() }

// Transitions returns the recent connection state changes, oldest first.
func (s *SSHSession) Transitions() []StateTransition { return s.state.history() }

// OnStateChange registers a callback invoked on every connection state change.
func (s *SSHSession) OnStateChange(cb StateChangeCallback) { s.state.onChange(cb) }

// runCommand opens a session on client, runs cmd and returns trimmed stdout.
// The timeout covers opening the session as well as running the command. On
// timeout the remote process is sent SIGKILL and the session is closed; the
// goroutines blocked on the client exit once the caller closes it.
func runCommand(client *ssh.Client, cmd string, timeout time.Duration) (string, error) {
	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	type opened struct {
		session *ssh.Session
		err     error
	}
	openCh := make(chan opened, 1)
	go func() {
		sess, err := client.NewSession()
		openCh <- opened{sess, err}
	}()

	var session *ssh.Session
	select {
	case o := <-openCh:
		if o.err != nil {
			return "", &ExecError{Kind: KindTransport, Command: cmd, Err: fmt.Errorf("open ssh session: %w", o.err)}
		}
		session = o.session
	case <-timer.C:
		log.Printf("[transport] opening a session for %q timed out after %s", cmd, timeout)
		return "", &ExecError{Kind: KindTimeout, Command: cmd, Err: fmt.Errorf("no session after %s", timeout)}
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-timer.C:
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		log.Printf("[transport] command %q killed after %s", cmd, timeout)
		return "", &ExecError{Kind: KindTimeout, Command: cmd, Err: fmt.Errorf("no result after %s", timeout)}
	}

	if elapsed := time.Since(start); elapsed > 5*time.Second {
		log.Printf("[transport] SLOW command (%s): %s", elapsed.Round(time.Millisecond), cmd)
	}
	return interpretResult(cmd, outBuf.String(), errBuf.String(), runErr)
}

// interpretResult maps an exec outcome onto the error taxonomy.
func interpretResult(cmd, stdout, stderr string, runErr error) (string, error) {
	stderr = strings.TrimSpace(stderr)
	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			return "", &ExecError{Kind: KindNonZeroExit, Command: cmd, ExitCode: exitErr.ExitStatus(), Stderr: stderr, Err: runErr}
		}
		return "", &ExecError{Kind: KindTransport, Command: cmd, Stderr: stderr, Err: runErr}
	}
	if stderr != "" {
		return "", &ExecError{Kind: KindNonZeroExit, Command: cmd, Stderr: stderr, Err: errors.New("command wrote to stderr")}
	}
	return strings.TrimSpace(stdout), nil
}
