package transport

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestConnectionError(t *testing.T) {
	err := fmt.Errorf("list: %w", &ConnectionError{Addr: "10.0.0.1:22", Attempts: 3, Err: io.EOF})

	if !errors.Is(err, ErrUnreachable) {
		t.Error("wrapped ConnectionError does not match ErrUnreachable")
	}
	if !errors.Is(err, io.EOF) {
		t.Error("ConnectionError does not unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "10.0.0.1:22 unreachable after 3 attempt(s)") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestExecError_Messages(t *testing.T) {
	tests := []struct {
		err  *ExecError
		want string
	}{
		{&ExecError{Kind: KindTimeout, Command: "kvas list", Err: errors.New("no result after 1s")}, "timed out"},
		{&ExecError{Kind: KindNonZeroExit, Command: "kvas list", ExitCode: 2, Stderr: "bad"}, "exited with status 2: bad"},
		{&ExecError{Kind: KindNonZeroExit, Command: "kvas list", ExitCode: 1}, "exited with status 1"},
		{&ExecError{Kind: KindTransport, Command: "kvas list", Err: io.EOF}, "transport error"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); !strings.Contains(got, tt.want) {
			t.Errorf("Error() = %q, want it to contain %q", got, tt.want)
		}
	}
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &ExecError{Kind: KindTimeout})
	if !IsKind(err, KindTimeout) {
		t.Error("IsKind(timeout) = false")
	}
	if IsKind(err, KindTransport) {
		t.Error("IsKind(transport) = true for a timeout")
	}
	if IsKind(errors.New("plain"), KindTimeout) {
		t.Error("IsKind matched a plain error")
	}
}
