package transport

import (
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthOptions selects how the bot authenticates to the router.
// Key and password may both be set; the key is offered first.
type AuthOptions struct {
	Password       string
	PrivateKeyPath string
}

// AuthMethods builds the SSH auth methods for opts.
func AuthMethods(opts AuthOptions) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if opts.PrivateKeyPath != "" {
		pemBytes, err := os.ReadFile(opts.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ParsePrivateKey(pemBytes)
		if err != nil {
			return nil, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if opts.Password != "" {
		password := opts.Password
		methods = append(methods,
			ssh.Password(password),
			// Some router firmwares only offer keyboard-interactive.
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no ssh credentials: set a password or a private key")
	}
	return methods, nil
}

// ParsePrivateKey parses a PEM-encoded private key into an ssh.Signer.
func ParsePrivateKey(privateKeyPEM []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// HostKeyCallback verifies host keys against a known_hosts file. With an
// empty path every host key is accepted.
func HostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", knownHostsPath, err)
	}
	return cb, nil
}
