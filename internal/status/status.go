// Package status serves a small read-only HTTP API describing the bot: the
// router connection, active conversations, the log tail and the audit trail.
package status

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gluk-w/kvasbot/internal/audit"
	"github.com/gluk-w/kvasbot/internal/crypto"
	"github.com/gluk-w/kvasbot/internal/database"
	"github.com/gluk-w/kvasbot/internal/logging"
	"github.com/gluk-w/kvasbot/internal/middleware"
	"github.com/gluk-w/kvasbot/internal/transport"
)

const (
	defaultLogLines = 200
	maxLogLines     = 5000
	shutdownTimeout = 5 * time.Second
)

// Connection reports the router connection state. transport.Session
// satisfies it.
type Connection interface {
	State() transport.ConnectionState
	Transitions() []transport.StateTransition
}

// SessionCounter reports the number of conversations in progress.
type SessionCounter interface {
	Len() int
}

// AuditSource answers audit queries. *audit.Auditor satisfies it.
type AuditSource interface {
	Query(opts audit.QueryOptions) (*audit.QueryResult, error)
	ConnectionEvents(limit int) ([]database.ConnectionEvent, error)
}

// Config describes the listener.
type Config struct {
	Addr      string
	TLS       bool
	Token     string
	Transport string // "ssh" or "local", reported by /status
}

// Server is the status HTTP server.
type Server struct {
	cfg      Config
	conn     Connection
	sessions SessionCounter
	audit    AuditSource
	started  time.Time
}

// New creates a Server. auditSrc may be nil, in which case /audit answers 404.
func New(cfg Config, conn Connection, sessions SessionCounter, auditSrc AuditSource) *Server {
	return &Server{
		cfg:      cfg,
		conn:     conn,
		sessions: sessions,
		audit:    auditSrc,
		started:  time.Now(),
	}
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", s.health)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireToken(s.cfg.Token))
		r.Get("/status", s.status)
		r.Get("/logs", s.getLogs)
		r.Delete("/logs", s.clearLogs)
		r.Get("/audit", s.getAudit)
		r.Get("/audit/connections", s.getConnectionEvents)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("status listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	scheme := "http"
	if s.cfg.TLS {
		host, _, _ := net.SplitHostPort(ln.Addr().String())
		cert, err := crypto.SelfSignedCert(host, "localhost")
		if err != nil {
			ln.Close()
			return fmt.Errorf("status certificate: %w", err)
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		ln = tls.NewListener(ln, srv.TLSConfig)
		scheme = "https"
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[status] listening on %s://%s", scheme, ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[status] shutdown: %v", err)
		return err
	}
	<-errCh
	log.Printf("[status] stopped")
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	state := s.conn.State()
	code := http.StatusOK
	status := "ok"
	if state == transport.StateFailed {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}
	writeJSON(w, code, map[string]string{
		"status":     status,
		"connection": state.String(),
	})
}

type statusResponse struct {
	Transport   string                      `json:"transport"`
	Connection  transport.ConnectionState   `json:"connection"`
	Transitions []transport.StateTransition `json:"transitions"`
	Sessions    int                         `json:"active_conversations"`
	Uptime      string                      `json:"uptime"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Transport:   s.cfg.Transport,
		Connection:  s.conn.State(),
		Transitions: s.conn.Transitions(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
	}
	if resp.Transitions == nil {
		resp.Transitions = []transport.StateTransition{}
	}
	if s.sessions != nil {
		resp.Sessions = s.sessions.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	lines := defaultLogLines
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = min(n, maxLogLines)
		}
	}

	content, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}

func (s *Server) clearLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("[status] log cleared by %s", r.RemoteAddr)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, "audit trail disabled")
		return
	}

	q := r.URL.Query()
	opts := audit.QueryOptions{
		Verb:    q.Get("verb"),
		Outcome: q.Get("outcome"),
	}
	if v := q.Get("user"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid user")
			return
		}
		opts.UserID = id
	}
	for name, dst := range map[string]*int{"limit": &opts.Limit, "offset": &opts.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid "+name)
				return
			}
			*dst = n
		}
	}
	for name, dst := range map[string]**time.Time{"since": &opts.Since, "until": &opts.Until} {
		if v := q.Get(name); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid "+name+": want RFC 3339")
				return
			}
			*dst = &ts
		}
	}

	res, err := s.audit.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getConnectionEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, "audit trail disabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.audit.ConnectionEvents(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
