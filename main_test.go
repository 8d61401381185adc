package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/gluk-w/kvasbot/internal/config"
	"github.com/gluk-w/kvasbot/internal/crypto"
	"github.com/gluk-w/kvasbot/internal/transport"
)

func TestRunGenKey(t *testing.T) {
	var out bytes.Buffer
	if err := runGenKey(&out); err != nil {
		t.Fatalf("runGenKey: %v", err)
	}
	key := strings.TrimSpace(out.String())
	if _, err := crypto.Encrypt("check", key); err != nil {
		t.Errorf("generated key is not usable: %v", err)
	}
}

func TestRunEncryptRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	var out bytes.Buffer
	if err := runEncrypt(strings.NewReader("router-pass\n"), &out, key); err != nil {
		t.Fatalf("runEncrypt: %v", err)
	}
	got, err := crypto.Decrypt(out.String(), key)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "router-pass" {
		t.Errorf("decrypted %q, want %q", got, "router-pass")
	}
}

func TestRunEncryptErrors(t *testing.T) {
	key, _ := crypto.GenerateKey()
	if err := runEncrypt(strings.NewReader("x\n"), &bytes.Buffer{}, ""); err == nil {
		t.Error("expected error without a key")
	}
	if err := runEncrypt(strings.NewReader("\n"), &bytes.Buffer{}, key); err == nil {
		t.Error("expected error for empty secret")
	}
	if err := runEncrypt(strings.NewReader("x"), &bytes.Buffer{}, "not-a-key"); err == nil {
		t.Error("expected error for malformed key")
	}
}

func TestFlattenErrors(t *testing.T) {
	a, b, c := errors.New("a"), errors.New("b"), errors.New("c")
	got := flattenErrors(errors.Join(a, errors.Join(b, c)))
	if len(got) != 3 || got[0] != a || got[1] != b || got[2] != c {
		t.Errorf("flattenErrors = %v", got)
	}
	if got := flattenErrors(a); len(got) != 1 || got[0] != a {
		t.Errorf("single error: %v", got)
	}
}

func TestNewSessionLocal(t *testing.T) {
	var changes []string
	s := &config.Settings{Transport: config.TransportLocal}
	session, err := newSession(s, func(from, to transport.ConnectionState, reason string) {
		changes = append(changes, from.String()+"->"+to.String())
	})
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}
	if _, ok := session.(*transport.LocalSession); !ok {
		t.Fatalf("got %T, want *transport.LocalSession", session)
	}
	if err := session.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if len(changes) == 0 {
		t.Error("state callback was not registered")
	}
}

func TestNewSessionSSHRequiresCredentials(t *testing.T) {
	s := &config.Settings{Transport: config.TransportSSH, RouterIP: "192.168.1.1", RouterPort: 22}
	if _, err := newSession(s, nil); err == nil {
		t.Error("expected error without password or key")
	}
}

func TestNewSessionSSH(t *testing.T) {
	s := &config.Settings{
		Transport:  config.TransportSSH,
		RouterIP:   "192.168.1.1",
		RouterPort: 22,
		RouterUser: "root",
		RouterPass: "secret",
	}
	session, err := newSession(s, nil)
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}
	if _, ok := session.(*transport.SSHSession); !ok {
		t.Fatalf("got %T, want *transport.SSHSession", session)
	}
	if st := session.State(); st != transport.StateDisconnected {
		t.Errorf("new session state = %s, want disconnected", st)
	}
}
