// Package session implements the per-account connection lifecycle: it owns
// one client process, drives it through authentication, tracks readiness,
// gates outbound traffic on suspend, and reconnects on unexpected loss.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/wamux/internal/authcode"
	"github.com/ship-commander/wamux/internal/client"
	"github.com/ship-commander/wamux/internal/events"
	"github.com/ship-commander/wamux/internal/reconnect"
	"github.com/ship-commander/wamux/internal/state"
	"github.com/ship-commander/wamux/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultStartTimeout bounds how long a client process may take to start.
	DefaultStartTimeout = 60 * time.Second
	// DefaultStaleMessageWindow is how far before startedAt a message may be and still be handled.
	DefaultStaleMessageWindow = 30 * time.Second

	infoTimeout     = 10 * time.Second
	destroyTimeout  = 15 * time.Second
	reasonManual    = "manual"
	reasonRequested = "requested"
	reasonAuthFail  = "auth_failure"
	reasonStartFail = "start_failure"
)

var (
	// ErrNotReady is returned by operations that need an authenticated client.
	ErrNotReady = errors.New("session is not ready")
	// ErrNotConnected is returned by suspend and resume on a disconnected session.
	ErrNotConnected = errors.New("session is not connected")
	// ErrAlreadyReady is returned when pairing is requested on a ready session.
	ErrAlreadyReady = errors.New("session is already ready")
	// ErrPairingInProgress is returned when a second pairing request overlaps the first.
	ErrPairingInProgress = errors.New("pairing code request already in progress")
	// ErrInvalidAccountHint is returned when the pairing hint has no digits.
	ErrInvalidAccountHint = errors.New("account hint must contain a phone number")
	// ErrDisconnected resolves a pairing request whose client went away.
	ErrDisconnected = errors.New("session disconnected")
)

// Status is the externally visible connection state of one session.
type Status struct {
	Connected         bool
	Ready             bool
	AuthCode          *authcode.Code
	ConnectedIdentity *client.AccountHandle
	Suspended         bool
	Reconnecting      bool
}

// Stats are per-ready-cycle counters.
type Stats struct {
	StartedAt   *time.Time
	RepliesSent int
}

// Sink receives every event a session emits, in emission order. It is
// called with the session lock held and must not block or call back into
// the session.
type Sink func(events.Event)

// MessageHandler reacts to inbound messages. Handlers run on their own
// goroutine; returned errors and panics are logged and swallowed.
type MessageHandler interface {
	HandleMessage(ctx context.Context, s *Session, msg client.Message) error
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(ctx context.Context, s *Session, msg client.Message) error

// HandleMessage calls f.
func (f MessageHandlerFunc) HandleMessage(ctx context.Context, s *Session, msg client.Message) error {
	return f(ctx, s, msg)
}

// Config configures one session.
type Config struct {
	Factory              client.Factory
	Sink                 Sink
	Logger               *log.Logger
	Policy               reconnect.Policy
	DisableAutoReconnect bool
	StartTimeout         time.Duration
	StaleMessageWindow   time.Duration
	PairingTimeout       time.Duration
	PairingAttempts      int
	PairingRetryDelay    time.Duration
	Tracer               trace.Tracer
}

// Session is the state machine for one account.
type Session struct {
	id      string
	factory client.Factory
	sink    Sink
	logger  *log.Logger
	policy  reconnect.Policy
	tracer  trace.Tracer
	now     func() time.Time

	startTimeout      time.Duration
	staleWindow       time.Duration
	pairingTimeout    time.Duration
	pairingAttempts   int
	pairingRetryDelay time.Duration

	mu                sync.Mutex
	client            client.Client
	generation        uint64
	status            Status
	identityFromReady bool
	stats             Stats
	machine           *state.Machine
	reconnect         reconnect.State
	reconnectCancel   context.CancelFunc
	retryAfterAttempt bool
	autoReconnect     bool
	hadBeenReady      bool
	pairing           *authcode.Pending
	pairingMode       bool
	handler           MessageHandler
}

// New builds an idle session with no client process.
func New(id string, cfg Config) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("session id is required")
	}
	if cfg.Factory == nil {
		return nil, errors.New("client factory is required")
	}
	if cfg.Sink == nil {
		cfg.Sink = func(events.Event) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("wamux/session")
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.StaleMessageWindow <= 0 {
		cfg.StaleMessageWindow = DefaultStaleMessageWindow
	}
	if cfg.PairingTimeout <= 0 {
		cfg.PairingTimeout = authcode.DefaultPairingTimeout
	}
	if cfg.PairingAttempts <= 0 {
		cfg.PairingAttempts = authcode.DefaultRequestAttempts
	}
	if cfg.PairingRetryDelay <= 0 {
		cfg.PairingRetryDelay = authcode.DefaultRetryDelay
	}
	if cfg.Policy.MaxAttempts <= 0 || cfg.Policy.BaseDelay <= 0 {
		defaults := reconnect.DefaultPolicy()
		if cfg.Policy.MaxAttempts <= 0 {
			cfg.Policy.MaxAttempts = defaults.MaxAttempts
		}
		if cfg.Policy.BaseDelay <= 0 {
			cfg.Policy.BaseDelay = defaults.BaseDelay
		}
	}

	machine, err := state.NewMachine(id, state.WithTracer(cfg.Tracer))
	if err != nil {
		return nil, fmt.Errorf("create phase machine: %w", err)
	}

	return &Session{
		id:                id,
		factory:           cfg.Factory,
		sink:              cfg.Sink,
		logger:            cfg.Logger.With("session_id", id),
		policy:            cfg.Policy,
		tracer:            cfg.Tracer,
		now:               time.Now,
		startTimeout:      cfg.StartTimeout,
		staleWindow:       cfg.StaleMessageWindow,
		pairingTimeout:    cfg.PairingTimeout,
		pairingAttempts:   cfg.PairingAttempts,
		pairingRetryDelay: cfg.PairingRetryDelay,
		machine:           machine,
		autoReconnect:     !cfg.DisableAutoReconnect,
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Initialize attaches and starts a client process. It is a no-op while a
// client already exists. A start failure leaves the session idle.
func (s *Session) Initialize(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "session.initialize", trace.WithAttributes(attribute.String("session_id", s.id)))
	defer span.End()

	s.mu.Lock()
	if s.client != nil {
		s.mu.Unlock()
		span.SetAttributes(attribute.Bool("noop", true))
		return nil
	}

	// An explicit initialize takes over from any pending automatic retry.
	s.cancelReconnectLocked()
	wasReconnecting := s.status.Reconnecting
	s.status.Reconnecting = false
	s.hadBeenReady = false

	c, gen, err := s.attachClientLocked()
	if err != nil {
		s.transitionLocked(state.PhaseIdle, "client construction failed")
		if wasReconnecting {
			s.emitStatusLocked()
		}
		s.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("create client for session %s: %w", s.id, err)
	}
	s.transitionLocked(state.PhaseAuthenticating, "initialize")
	if wasReconnecting {
		s.emitStatusLocked()
	}
	s.mu.Unlock()

	if err := s.startClient(ctx, c); err != nil {
		s.mu.Lock()
		if s.generation == gen {
			s.detachClientLocked()
			s.clearConnectionLocked()
			s.status.Reconnecting = false
			s.transitionLocked(state.PhaseIdle, reasonStartFail)
			s.emitStatusLocked()
		}
		s.mu.Unlock()
		s.destroyQuietly(c)

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("start client for session %s: %w", s.id, err)
	}

	span.SetStatus(codes.Ok, "client started")
	return nil
}

// Disconnect tears down the client process and clears the status. A manual
// disconnect also cancels any pending reconnect and suppresses automatic
// reconnection for this teardown.
func (s *Session) Disconnect(ctx context.Context, manual bool) error {
	s.mu.Lock()
	if manual {
		s.cancelReconnectLocked()
	}
	c := s.detachClientLocked()
	if s.pairing != nil {
		s.pairing.Resolve("", authcode.ErrPairingCanceled)
		s.pairing = nil
	}
	s.pairingMode = false
	s.status = Status{Reconnecting: !manual && s.reconnect.InProgress}
	s.identityFromReady = false
	s.hadBeenReady = false
	if !s.status.Reconnecting {
		s.transitionLocked(state.PhaseIdle, "disconnect")
	}
	s.emitStatusLocked()
	if c != nil {
		reason := reasonRequested
		if manual {
			reason = reasonManual
		}
		s.emitLocked(events.TypeDisconnected, events.DisconnectedPayload{SessionID: s.id, Reason: reason})
	}
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	if err := c.Destroy(ctx); err != nil {
		s.logger.Warn("client destroy failed", "err", err)
		return fmt.Errorf("destroy client for session %s: %w", s.id, err)
	}
	return nil
}

// SetAutoReconnect enables or disables automatic reconnection. Disabling it
// aborts a pending retry.
func (s *Session) SetAutoReconnect(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoReconnect = enabled
	if enabled || !s.reconnect.InProgress {
		return
	}
	s.cancelReconnectLocked()
	s.status.Reconnecting = false
	if s.client == nil {
		s.transitionLocked(state.PhaseIdle, "auto reconnect disabled")
	}
	s.emitStatusLocked()
}

// SetMessageHandler installs the handler for inbound messages. Nil removes it.
func (s *Session) SetMessageHandler(handler MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// Suspend marks the session suspended. Message handlers are expected to
// consult IsSuspended; the connection itself is untouched.
func (s *Session) Suspend() error {
	return s.setSuspended(true)
}

// Resume clears the suspended flag.
func (s *Session) Resume() error {
	return s.setSuspended(false)
}

func (s *Session) setSuspended(suspended bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.Connected {
		return ErrNotConnected
	}
	if s.status.Suspended == suspended {
		return nil
	}
	s.status.Suspended = suspended
	s.emitStatusLocked()
	return nil
}

// IsSuspended reports the suspended flag.
func (s *Session) IsSuspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.Suspended
}

// SendMessage delivers a text message through the client.
func (s *Session) SendMessage(ctx context.Context, to, body string) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return errors.New("recipient is required")
	}
	c, err := s.readyClient()
	if err != nil {
		return err
	}
	if err := c.SendMessage(ctx, to, body); err != nil {
		return fmt.Errorf("send message to %s: %w", to, err)
	}
	return nil
}

// SendImage delivers an image, optionally as a sticker.
func (s *Session) SendImage(ctx context.Context, to, url string, asSticker bool) error {
	to = strings.TrimSpace(to)
	url = strings.TrimSpace(url)
	if to == "" {
		return errors.New("recipient is required")
	}
	if url == "" {
		return errors.New("image url is required")
	}
	c, err := s.readyClient()
	if err != nil {
		return err
	}
	if err := c.SendImage(ctx, to, url, client.ImageOptions{AsSticker: asSticker}); err != nil {
		return fmt.Errorf("send image to %s: %w", to, err)
	}
	return nil
}

// Reply sends a message on behalf of a message handler and counts it.
func (s *Session) Reply(ctx context.Context, to, body string) error {
	if err := s.SendMessage(ctx, to, body); err != nil {
		return err
	}
	s.mu.Lock()
	s.stats.RepliesSent++
	s.mu.Unlock()
	return nil
}

// Status returns a copy of the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyStatusLocked()
}

// Stats returns a copy of the runtime stats.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Stats{RepliesSent: s.stats.RepliesSent}
	if s.stats.StartedAt != nil {
		startedAt := *s.stats.StartedAt
		out.StartedAt = &startedAt
	}
	return out
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() state.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Current()
}

// History returns recent phase transitions.
func (s *Session) History() []state.TransitionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.History()
}

// StatusPayload renders the status as its event payload.
func (s *Session) StatusPayload() events.StatusPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusPayloadLocked()
}

func (s *Session) readyClient() (client.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.Ready || s.client == nil {
		return nil, ErrNotReady
	}
	return s.client, nil
}

func (s *Session) startClient(ctx context.Context, c client.Client) error {
	startCtx, cancel := context.WithTimeout(ctx, s.startTimeout)
	defer cancel()
	return c.Start(startCtx)
}

// attachClientLocked builds a new client bound to a fresh generation.
// Events from older generations are ignored.
func (s *Session) attachClientLocked() (client.Client, uint64, error) {
	s.generation++
	gen := s.generation
	c, err := s.factory.New(s.id, func(event client.Event) {
		s.handleClientEvent(gen, event)
	})
	if err != nil {
		return nil, gen, err
	}
	if c == nil {
		return nil, gen, errors.New("client factory returned nil client")
	}
	s.client = c
	return c, gen, nil
}

// detachClientLocked drops the current client and invalidates its events.
func (s *Session) detachClientLocked() client.Client {
	c := s.client
	s.client = nil
	s.generation++
	return c
}

func (s *Session) clearConnectionLocked() {
	s.status.Connected = false
	s.status.Ready = false
	s.status.AuthCode = nil
	s.status.ConnectedIdentity = nil
	s.identityFromReady = false
}

func (s *Session) destroyQuietly(c client.Client) {
	if c == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()
	if err := c.Destroy(ctx); err != nil {
		s.logger.Debug("client destroy failed", "err", err)
	}
}

func (s *Session) transitionLocked(to state.Phase, reason string) {
	if err := s.machine.Transition(context.Background(), to, reason); err != nil {
		s.logger.Warn("phase transition rejected", "err", err)
	}
}

func (s *Session) emitLocked(eventType string, payload any) {
	s.sink(events.Event{
		Type:      eventType,
		SessionID: s.id,
		Timestamp: s.now().UTC(),
		Payload:   payload,
	})
}

func (s *Session) emitStatusLocked() {
	ctx := context.Background()
	invariants.CheckAuthCodeExcludesReady(ctx, s.id, s.status.AuthCode != nil, s.status.Ready)
	invariants.CheckReadyImpliesConnected(ctx, s.id, s.status.Ready, s.status.Connected)
	invariants.CheckIdentityRequiresReady(ctx, s.id, s.status.ConnectedIdentity != nil, s.identityFromReady)
	s.emitLocked(events.TypeStatus, s.statusPayloadLocked())
}

func (s *Session) copyStatusLocked() Status {
	out := s.status
	if s.status.AuthCode != nil {
		code := *s.status.AuthCode
		out.AuthCode = &code
	}
	if s.status.ConnectedIdentity != nil {
		identity := *s.status.ConnectedIdentity
		out.ConnectedIdentity = &identity
	}
	return out
}

func (s *Session) statusPayloadLocked() events.StatusPayload {
	status := s.copyStatusLocked()
	return events.StatusPayload{
		SessionID:         s.id,
		IsConnected:       status.Connected,
		IsReady:           status.Ready,
		AuthCode:          status.AuthCode,
		ConnectedIdentity: status.ConnectedIdentity,
		Suspended:         status.Suspended,
		Reconnecting:      status.Reconnecting,
	}
}
