package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestLocalSession_Run(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := NewLocalSession(time.Second)
	out, err := l.Run(context.Background(), "printf '  hello\\n'", 0)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if out != "hello" {
		t.Errorf("Run() = %q, want %q", out, "hello")
	}
	if got := l.State(); got != StateConnected {
		t.Errorf("State() = %s, want connected", got)
	}
}

func TestLocalSession_NonZeroExit(t *testing.T) {
	l := NewLocalSession(time.Second)
	_, err := l.Run(context.Background(), "echo nope >&2; exit 3", 0)

	var ee *ExecError
	if !errors.As(err, &ee) {
		t.Fatalf("Run() error = %v, want *ExecError", err)
	}
	if ee.Kind != KindNonZeroExit || ee.ExitCode != 3 {
		t.Errorf("got kind=%s code=%d, want non-zero exit 3", ee.Kind, ee.ExitCode)
	}
	if ee.Stderr != "nope" {
		t.Errorf("Stderr = %q, want %q", ee.Stderr, "nope")
	}
}

func TestLocalSession_StderrIsFailure(t *testing.T) {
	l := NewLocalSession(time.Second)
	_, err := l.Run(context.Background(), "echo warn >&2", 0)
	if !IsKind(err, KindNonZeroExit) {
		t.Fatalf("Run() error = %v, want non-zero exit", err)
	}
}

func TestLocalSession_Timeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := NewLocalSession(time.Second)
	start := time.Now()
	_, err := l.Run(context.Background(), "sleep 5", 100*time.Millisecond)
	if !IsKind(err, KindTimeout) {
		t.Fatalf("Run() error = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Run() took %s after a 100ms timeout", elapsed)
	}
}

func TestLocalSession_CancelledContextDoesNotAbortCommand(t *testing.T) {
	l := NewLocalSession(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := l.Run(ctx, "echo done", 0)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if out != "done" {
		t.Errorf("Run() = %q, want done", out)
	}
}

func TestLocalSession_Disconnect(t *testing.T) {
	l := NewLocalSession(0)
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if err := l.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	if got := l.State(); got != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", got)
	}
	if n := len(l.Transitions()); n != 2 {
		t.Errorf("Transitions() len = %d, want 2", n)
	}
}
