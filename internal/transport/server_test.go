package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

const testPassword = "s3cret"

// fakeCommand is the scripted reply of the test server to one exec request.
type fakeCommand struct {
	stdout string
	stderr string
	status uint32
	delay  time.Duration
	drop   bool // close the TCP connection instead of answering
}

// testServer is an in-process SSH server with scripted exec replies.
type testServer struct {
	addr    string
	hostKey ssh.PublicKey

	mu       sync.Mutex
	netConns []net.Conn
	accepted int
	execs    []string
	signals  []string
	dropNext int
	reply    func(cmd string) fakeCommand

	stop chan struct{}
	wg   sync.WaitGroup
}

// generateKeyPair returns an ED25519 signer and its PEM encoding.
func generateKeyPair(t *testing.T) (ssh.Signer, []byte) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	signer, err := ParsePrivateKey(keyPEM)
	if err != nil {
		t.Fatalf("parse private key: %v", err)
	}
	return signer, keyPEM
}

// newTestServer starts a server that accepts testPassword and, when non-nil,
// the public key of clientKey.
func newTestServer(t *testing.T, clientKey ssh.PublicKey) *testServer {
	t.Helper()

	hostSigner, _ := generateKeyPair(t)
	config := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if string(password) == testPassword {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("wrong password")
		},
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if clientKey != nil && ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(clientKey) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ts := &testServer{
		addr:    listener.Addr().String(),
		hostKey: hostSigner.PublicKey(),
		reply:   func(string) fakeCommand { return fakeCommand{stdout: "ok\n"} },
		stop:    make(chan struct{}),
	}

	ts.wg.Add(1)
	go func() {
		defer ts.wg.Done()
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			ts.mu.Lock()
			ts.netConns = append(ts.netConns, netConn)
			ts.accepted++
			ts.mu.Unlock()
			ts.wg.Add(1)
			go func() {
				defer ts.wg.Done()
				ts.handleConn(netConn, config)
			}()
		}
	}()

	t.Cleanup(func() {
		close(ts.stop)
		listener.Close()
		ts.mu.Lock()
		for _, c := range ts.netConns {
			c.Close()
		}
		ts.mu.Unlock()
		ts.wg.Wait()
	})
	return ts
}

func (ts *testServer) handleConn(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		ts.wg.Add(1)
		go func() {
			defer ts.wg.Done()
			ts.handleSession(netConn, ch, requests)
		}()
	}
}

func (ts *testServer) handleSession(netConn net.Conn, ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		switch req.Type {
		case "exec":
			cmd := parseSSHString(req.Payload)
			ts.mu.Lock()
			ts.execs = append(ts.execs, cmd)
			drop := ts.dropNext > 0
			if drop {
				ts.dropNext--
			}
			reply := ts.reply(cmd)
			ts.mu.Unlock()

			if drop || reply.drop {
				netConn.Close()
				return
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			// Answer asynchronously so signal requests are still read.
			go ts.answer(ch, reply)
		case "signal":
			ts.mu.Lock()
			ts.signals = append(ts.signals, parseSSHString(req.Payload))
			ts.mu.Unlock()
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}
}

func (ts *testServer) answer(ch ssh.Channel, reply fakeCommand) {
	if reply.delay > 0 {
		select {
		case <-time.After(reply.delay):
		case <-ts.stop:
			return
		}
	}
	ch.Write([]byte(reply.stdout))
	if reply.stderr != "" {
		ch.Stderr().Write([]byte(reply.stderr))
	}
	status := make([]byte, 4)
	binary.BigEndian.PutUint32(status, reply.status)
	ch.SendRequest("exit-status", false, status)
	ch.Close()
}

func parseSSHString(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	n := binary.BigEndian.Uint32(payload[:4])
	if int(n) > len(payload)-4 {
		return ""
	}
	return string(payload[4 : 4+n])
}

func (ts *testServer) setReply(fn func(cmd string) fakeCommand) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.reply = fn
}

func (ts *testServer) setDropNext(n int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.dropNext = n
}

func (ts *testServer) acceptedConns() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.accepted
}

func (ts *testServer) execCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.execs)
}

func (ts *testServer) receivedSignals() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.signals...)
}

func (ts *testServer) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ts.addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, port
}

// newTestSession returns a password-authenticated session for ts.
func newTestSession(t *testing.T, ts *testServer, persistent bool) *SSHSession {
	t.Helper()
	host, port := ts.hostPort(t)
	s := NewSSHSession(SSHConfig{
		Host:           host,
		Port:           port,
		User:           "root",
		Auth:           []ssh.AuthMethod{ssh.Password(testPassword)},
		ConnectTimeout: 5 * time.Second,
		CommandTimeout: 5 * time.Second,
		MaxRetries:     2,
		RetryBaseDelay: 10 * time.Millisecond,
		Persistent:     persistent,
	})
	t.Cleanup(func() { s.Disconnect() })
	return s
}
