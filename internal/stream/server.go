package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/ship-commander/wamux/internal/session"
)

const (
	// TokenHeader carries the optional access token.
	TokenHeader = "X-Wamux-Token"

	shutdownTimeout = 5 * time.Second
)

// SessionSource answers the HTTP query surface.
type SessionSource interface {
	SnapshotSource
	SessionDetails(id string) session.Details
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Hub            *Hub
	Sessions       SessionSource
	AuthToken      string
	AllowedOrigins []string
	Logger         *log.Logger
}

// Server exposes the hub on /ws and session state on /api/sessions.
type Server struct {
	hub            *Hub
	sessions       SessionSource
	authToken      string
	allowedOrigins map[string]bool
	logger         *log.Logger
}

// NewServer validates cfg.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Hub == nil {
		return nil, errors.New("hub is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session source is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard)
	}
	s := &Server{
		hub:            cfg.Hub,
		sessions:       cfg.Sessions,
		authToken:      strings.TrimSpace(cfg.AuthToken),
		allowedOrigins: map[string]bool{},
		logger:         cfg.Logger.With("component", "http"),
	}
	for _, origin := range cfg.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			s.allowedOrigins[trimmed] = true
		}
	}
	return s, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSessionDetails)
	return mux
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.ServeListener(ctx, listener)
}

// ServeListener serves on an existing listener.
func (s *Server) ServeListener(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()
	s.logger.Info("listening", "addr", listener.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade", "err", err)
		return
	}

	s.logger.Debug("stream client connected", "remote", r.RemoteAddr)
	remove := s.hub.AddClient(conn)
	go func() {
		defer func() {
			remove()
			s.logger.Debug("stream client disconnected", "remote", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, s.hub.Snapshot().Payload)
}

func (s *Server) handleSessionDetails(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	writeJSON(w, s.sessions.SessionDetails(id))
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	if r.URL.Query().Get("token") == s.authToken {
		return true
	}
	if r.Header.Get(TokenHeader) == s.authToken {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken
}

// checkOrigin admits configured origins plus same-host and loopback pages.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.allowedOrigins[origin] {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
