// Package config loads the bot's settings from the environment.
//
// An optional .env file is read first; variables already present in the
// environment win over it. Every value is validated at load time so that a
// bad deployment fails before the bot connects to anything.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"

	"github.com/gluk-w/kvasbot/internal/crypto"
	"github.com/gluk-w/kvasbot/internal/domain"
)

// Transport kinds.
const (
	TransportSSH   = "ssh"
	TransportLocal = "local"
)

// Log file locations selected by ENV.
const (
	ProdLogPath = "/opt/apps/vpnbot/logs/router_bot.log"
	DevLogPath  = "./router_bot.log"
)

var botTokenPattern = regexp.MustCompile(`^\d{8,12}:[A-Za-z0-9_-]{34,36}$`)

// ConfigError reports an invalid or missing setting.
type ConfigError struct {
	Key    string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config %s: %s: %v", e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// UserIDs is a comma-separated list of Telegram user ids.
type UserIDs []int64

// Decode implements envconfig.Decoder. Blank entries and surrounding spaces
// are ignored.
func (u *UserIDs) Decode(value string) error {
	var ids UserIDs
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user id %q", part)
		}
		ids = append(ids, id)
	}
	*u = ids
	return nil
}

type Settings struct {
	BotToken     string  `envconfig:"BOT_TOKEN"`
	AllowedUsers UserIDs `envconfig:"ALLOWED_USERS"`

	Transport string `envconfig:"TRANSPORT" default:"ssh"`

	RouterIP            string `envconfig:"ROUTER_IP"`
	RouterPort          int    `envconfig:"ROUTER_PORT" default:"22"`
	RouterUser          string `envconfig:"ROUTER_USER" default:"root"`
	RouterPass          string `envconfig:"ROUTER_PASS"`
	RouterPassEncrypted string `envconfig:"ROUTER_PASS_ENCRYPTED"`
	FernetKey           string `envconfig:"FERNET_KEY"`
	RouterSSHKey        string `envconfig:"ROUTER_SSH_KEY"`
	RouterKnownHosts    string `envconfig:"ROUTER_KNOWN_HOSTS"`

	// SSH behaviour
	SSHPersistent  bool          `envconfig:"SSH_PERSISTENT" default:"false"`
	MaxRetries     int           `envconfig:"MAX_RETRIES" default:"3"`
	RetryDelay     time.Duration `envconfig:"RETRY_DELAY" default:"2s"`
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`
	CommandTimeout time.Duration `envconfig:"COMMAND_TIMEOUT" default:"120s"`

	KvasBin    string `envconfig:"KVAS_BIN" default:"kvas"`
	ExecPrefix bool   `envconfig:"EXEC_PREFIX" default:"true"`

	// Conversation sessions
	SessionTTL   time.Duration `envconfig:"SESSION_TTL" default:"10m"`
	SessionSweep string        `envconfig:"SESSION_SWEEP" default:"@every 1m"`

	// Command audit trail
	AuditDB            string `envconfig:"AUDIT_DB" default:":memory:"`
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
	AuditPurge         string `envconfig:"AUDIT_PURGE" default:"@daily"`

	StatusAddr string `envconfig:"STATUS_ADDR" default:""`
	StatusTLS  bool   `envconfig:"STATUS_TLS" default:"false"`

	// StatusToken, when set, is required as a bearer token on every status
	// route except /health.
	StatusToken string `envconfig:"STATUS_TOKEN"`

	MessagesFile string `envconfig:"MESSAGES_FILE"`

	Env     string `envconfig:"ENV"`
	LogPath string `envconfig:"LOG_PATH"`
}

// Load reads envFile (if non-empty; a missing default ".env" is not an
// error) and then the environment. All validation errors are returned
// joined; each is a *ConfigError.
func Load(envFile string) (*Settings, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !(errors.Is(err, os.ErrNotExist) && envFile == ".env") {
				return nil, &ConfigError{Key: "--env-file", Reason: "cannot read " + envFile, Err: err}
			}
		}
	}

	var s Settings
	if err := envconfig.Process("", &s); err != nil {
		var pe *envconfig.ParseError
		if errors.As(err, &pe) {
			return nil, &ConfigError{Key: pe.KeyName, Reason: "malformed value", Err: pe.Err}
		}
		return nil, &ConfigError{Key: "environment", Reason: "cannot process", Err: err}
	}

	if err := s.resolveSecrets(); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// resolveSecrets replaces an encrypted router password with its plaintext.
func (s *Settings) resolveSecrets() error {
	if s.RouterPassEncrypted == "" {
		return nil
	}
	if s.RouterPass != "" {
		return &ConfigError{Key: "ROUTER_PASS_ENCRYPTED", Reason: "set only one of ROUTER_PASS and ROUTER_PASS_ENCRYPTED"}
	}
	if s.FernetKey == "" {
		return &ConfigError{Key: "FERNET_KEY", Reason: "required to decrypt ROUTER_PASS_ENCRYPTED"}
	}
	pass, err := crypto.Decrypt(s.RouterPassEncrypted, s.FernetKey)
	if err != nil {
		return &ConfigError{Key: "ROUTER_PASS_ENCRYPTED", Reason: "cannot decrypt", Err: err}
	}
	s.RouterPass = pass
	return nil
}

// Validate checks every field and returns all problems joined.
func (s *Settings) Validate() error {
	var errs []error
	bad := func(key, reason string) {
		errs = append(errs, &ConfigError{Key: key, Reason: reason})
	}

	switch {
	case s.BotToken == "":
		bad("BOT_TOKEN", "required")
	case !botTokenPattern.MatchString(s.BotToken):
		bad("BOT_TOKEN", "does not look like a bot token")
	}
	if len(s.AllowedUsers) == 0 {
		bad("ALLOWED_USERS", "required")
	}

	switch s.Transport {
	case TransportSSH:
		switch {
		case s.RouterIP == "":
			bad("ROUTER_IP", "required for ssh transport")
		case !validHost(s.RouterIP):
			bad("ROUTER_IP", "not an IP address or hostname")
		}
		if s.RouterPort < 1 || s.RouterPort > 65535 {
			bad("ROUTER_PORT", "must be between 1 and 65535")
		}
		if s.RouterUser == "" {
			bad("ROUTER_USER", "required for ssh transport")
		}
		if s.RouterPass == "" && s.RouterSSHKey == "" {
			bad("ROUTER_PASS", "set ROUTER_PASS, ROUTER_PASS_ENCRYPTED or ROUTER_SSH_KEY")
		}
		if s.RouterSSHKey != "" {
			if _, err := os.Stat(s.RouterSSHKey); err != nil {
				bad("ROUTER_SSH_KEY", "key file not readable")
			}
		}
		if s.RouterKnownHosts != "" {
			if _, err := os.Stat(s.RouterKnownHosts); err != nil {
				bad("ROUTER_KNOWN_HOSTS", "known_hosts file not readable")
			}
		}
	case TransportLocal:
	default:
		bad("TRANSPORT", fmt.Sprintf("must be %q or %q", TransportSSH, TransportLocal))
	}

	if s.MaxRetries < 1 {
		bad("MAX_RETRIES", "must be at least 1")
	}
	if s.RetryDelay <= 0 {
		bad("RETRY_DELAY", "must be positive")
	}
	if s.ConnectTimeout <= 0 {
		bad("CONNECT_TIMEOUT", "must be positive")
	}
	if s.CommandTimeout <= 0 {
		bad("COMMAND_TIMEOUT", "must be positive")
	}
	if strings.TrimSpace(s.KvasBin) == "" || strings.ContainsAny(s.KvasBin, " \t;&|$`") {
		bad("KVAS_BIN", "must be a single command name or path")
	}
	if s.SessionTTL < 0 {
		bad("SESSION_TTL", "must not be negative")
	}
	if _, err := cron.ParseStandard(s.SessionSweep); err != nil {
		bad("SESSION_SWEEP", "invalid cron spec")
	}
	if s.AuditRetentionDays < 0 {
		bad("AUDIT_RETENTION_DAYS", "must not be negative")
	}
	if _, err := cron.ParseStandard(s.AuditPurge); err != nil {
		bad("AUDIT_PURGE", "invalid cron spec")
	}
	if s.StatusAddr != "" {
		host, _, err := net.SplitHostPort(s.StatusAddr)
		switch {
		case err != nil:
			bad("STATUS_ADDR", "must be host:port")
		case s.StatusToken == "" && !isLoopback(host):
			bad("STATUS_TOKEN", "required when STATUS_ADDR is not a loopback address")
		}
	}
	switch strings.ToUpper(s.Env) {
	case "", "PROD", "DEV":
	default:
		bad("ENV", "must be PROD or DEV")
	}

	return errors.Join(errs...)
}

// LogFile returns the log file path, or "" for stdout only.
func (s *Settings) LogFile() string {
	if s.LogPath != "" {
		return s.LogPath
	}
	switch strings.ToUpper(s.Env) {
	case "PROD":
		return ProdLogPath
	case "DEV":
		return DevLogPath
	}
	return ""
}

// RouterAddr returns host:port of the router.
func (s *Settings) RouterAddr() string {
	return net.JoinHostPort(s.RouterIP, strconv.Itoa(s.RouterPort))
}

// Summary describes the settings for the startup log without secrets.
func (s *Settings) Summary() string {
	auth := "password"
	if s.RouterSSHKey != "" {
		auth = "key"
	}
	if s.Transport == TransportLocal {
		return fmt.Sprintf("transport=local users=%d kvas=%s exec_prefix=%v session_ttl=%s audit_db=%s status=%q",
			len(s.AllowedUsers), s.KvasBin, s.ExecPrefix, s.SessionTTL, s.AuditDB, s.StatusAddr)
	}
	return fmt.Sprintf("transport=ssh router=%s@%s auth=%s persistent=%v retries=%d users=%d kvas=%s exec_prefix=%v session_ttl=%s audit_db=%s status=%q token=%s",
		s.RouterUser, s.RouterAddr(), auth, s.SSHPersistent, s.MaxRetries, len(s.AllowedUsers),
		s.KvasBin, s.ExecPrefix, s.SessionTTL, s.AuditDB, s.StatusAddr, crypto.Mask(s.BotToken))
}

// isLoopback reports whether a listen host only accepts local connections.
// An empty host listens on every interface.
func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func validHost(h string) bool {
	if net.ParseIP(h) != nil {
		return true
	}
	return domain.ValidHost(h)
}
