package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/gluk-w/kvasbot/internal/audit"
	"github.com/gluk-w/kvasbot/internal/config"
	"github.com/gluk-w/kvasbot/internal/conversation"
	"github.com/gluk-w/kvasbot/internal/crypto"
	"github.com/gluk-w/kvasbot/internal/database"
	"github.com/gluk-w/kvasbot/internal/executor"
	"github.com/gluk-w/kvasbot/internal/logging"
	"github.com/gluk-w/kvasbot/internal/messages"
	"github.com/gluk-w/kvasbot/internal/status"
	"github.com/gluk-w/kvasbot/internal/telegram"
	"github.com/gluk-w/kvasbot/internal/transport"
)

func main() {
	flags := pflag.NewFlagSet("kvasbot", pflag.ExitOnError)
	envFile := flags.String("env-file", ".env", "dotenv file to load before the environment")
	checkConfig := flags.Bool("check-config", false, "validate the configuration and exit")
	genKey := flags.Bool("gen-key", false, "print a new FERNET_KEY and exit")
	encrypt := flags.Bool("encrypt", false, "read a secret from stdin, print its ROUTER_PASS_ENCRYPTED token and exit")
	flags.Parse(os.Args[1:])

	// Handle CLI commands before starting the bot
	switch {
	case *genKey:
		if err := runGenKey(os.Stdout); err != nil {
			log.Fatalf("Generate key: %v", err)
		}
		return
	case *encrypt:
		loadEnvFile(*envFile)
		if err := runEncrypt(os.Stdin, os.Stdout, os.Getenv("FERNET_KEY")); err != nil {
			log.Fatalf("Encrypt: %v", err)
		}
		return
	}

	s, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Configuration errors:")
		for _, e := range flattenErrors(err) {
			fmt.Fprintf(os.Stderr, "  - %v\n", e)
		}
		os.Exit(2)
	}
	if *checkConfig {
		fmt.Println("Configuration OK:", s.Summary())
		return
	}

	logging.Init(s.LogFile())
	defer logging.Close()

	if err := run(s); err != nil {
		log.Fatalf("ERROR: %v", err)
	}
	log.Println("Bot stopped")
}

// run wires the components together and blocks until SIGINT or SIGTERM.
func run(s *config.Settings) error {
	log.Printf("Config: %s", s.Summary())

	cat, err := messages.Load(s.MessagesFile)
	if err != nil {
		return fmt.Errorf("messages: %w", err)
	}

	db, err := database.Open(s.AuditDB)
	if err != nil {
		return fmt.Errorf("audit database: %w", err)
	}
	defer database.Close(db)
	trail := audit.NewAuditor(db, s.AuditRetentionDays)

	session, err := newSession(s, trail.RecordTransition)
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Disconnect(); err != nil {
			log.Printf("Transport shutdown: %v", err)
		}
	}()

	ex := executor.New(session, executor.Config{
		KvasBinary: s.KvasBin,
		ExecPrefix: s.ExecPrefix,
	}, executor.WithRecorder(trail))

	bot, err := telegram.New(s.BotToken)
	if err != nil {
		return err
	}

	store := conversation.NewStore(s.SessionTTL)
	machine := conversation.NewMachine(store, ex, bot, cat, s.AllowedUsers)

	jobs, err := startJobs(s.SessionSweep, s.AuditPurge, store, trail)
	if err != nil {
		return err
	}
	defer func() { <-jobs.Stop().Done() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bot.Run(gctx, machine)
	})
	if s.StatusAddr != "" {
		srv := status.New(status.Config{
			Addr:      s.StatusAddr,
			TLS:       s.StatusTLS,
			Token:     s.StatusToken,
			Transport: s.Transport,
		}, session, store, trail)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	log.Printf("Bot started for %d allowed user(s)", len(s.AllowedUsers))
	err = g.Wait()
	log.Println("Shutting down...")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// stateNotifier is implemented by both transport sessions.
type stateNotifier interface {
	OnStateChange(cb transport.StateChangeCallback)
}

// newSession builds the transport selected by TRANSPORT and registers onState
// for its connection state changes.
func newSession(s *config.Settings, onState transport.StateChangeCallback) (transport.Session, error) {
	var session transport.Session
	switch s.Transport {
	case config.TransportLocal:
		session = transport.NewLocalSession(s.CommandTimeout)
	default:
		auth, err := transport.AuthMethods(transport.AuthOptions{
			Password:       s.RouterPass,
			PrivateKeyPath: s.RouterSSHKey,
		})
		if err != nil {
			return nil, fmt.Errorf("ssh auth: %w", err)
		}
		hostKeys, err := transport.HostKeyCallback(s.RouterKnownHosts)
		if err != nil {
			return nil, err
		}
		if s.RouterKnownHosts == "" {
			log.Printf("WARNING: ROUTER_KNOWN_HOSTS not set, router host key is not verified")
		}
		session = transport.NewSSHSession(transport.SSHConfig{
			Host:            s.RouterIP,
			Port:            s.RouterPort,
			User:            s.RouterUser,
			Auth:            auth,
			HostKeyCallback: hostKeys,
			ConnectTimeout:  s.ConnectTimeout,
			CommandTimeout:  s.CommandTimeout,
			MaxRetries:      s.MaxRetries,
			RetryBaseDelay:  s.RetryDelay,
			Persistent:      s.SSHPersistent,
		})
	}
	if n, ok := session.(stateNotifier); ok && onState != nil {
		n.OnStateChange(onState)
	}
	return session, nil
}

func loadEnvFile(path string) {
	if path == "" {
		return
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("WARNING: cannot read %s: %v", path, err)
	}
}

func runGenKey(out io.Writer) error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, key)
	return err
}

// runEncrypt reads one line from in and writes its fernet token to out.
func runEncrypt(in io.Reader, out io.Writer, key string) error {
	if key == "" {
		return errors.New("FERNET_KEY is not set; generate one with --gen-key")
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return errors.New("empty secret")
	}
	token, err := crypto.Encrypt(secret, key)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

// flattenErrors unpacks errors.Join results so each problem prints on its own
// line.
func flattenErrors(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range joined.Unwrap() {
			out = append(out, flattenErrors(e)...)
		}
		return out
	}
	return []error{err}
}
