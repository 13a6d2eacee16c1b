// Package registry multiplexes many independent sessions behind one owned
// collection and re-emits their events on a shared bus with the session id
// attached.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/ship-commander/wamux/internal/credstore"
	"github.com/ship-commander/wamux/internal/events"
	"github.com/ship-commander/wamux/internal/session"
)

// DefaultSessionID names the canonical single-session slot.
const DefaultSessionID = "default"

// ErrNotFound reports an operation on an unknown session id.
var ErrNotFound = errors.New("session not found")

// CredentialStore is the slice of credstore the registry needs.
type CredentialStore interface {
	Remove(id string) error
	RecordReady(id, identity string, at time.Time) error
}

// Config configures a Registry. Session is the template every new session
// is built from; its Sink is replaced by the registry.
type Config struct {
	DefaultSessionID string
	Session          session.Config
	Bus              events.Bus
	Credentials      CredentialStore
	Logger           *log.Logger
}

// Registry owns every session in the process.
type Registry struct {
	template    session.Config
	bus         events.Bus
	credentials CredentialStore
	logger      *log.Logger
	now         func() time.Time
	newID       func() string

	mu        sync.Mutex
	sessions  map[string]*session.Session
	defaultID string
	activeID  string
	handler   session.MessageHandler
}

// New builds an empty registry.
func New(cfg Config) (*Registry, error) {
	if cfg.Session.Factory == nil {
		return nil, errors.New("client factory is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	defaultID := strings.TrimSpace(cfg.DefaultSessionID)
	if defaultID == "" {
		defaultID = DefaultSessionID
	}
	if err := credstore.ValidateID(defaultID); err != nil {
		return nil, fmt.Errorf("default session id: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard)
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = cfg.Logger
	}

	return &Registry{
		template:    cfg.Session,
		bus:         cfg.Bus,
		credentials: cfg.Credentials,
		logger:      cfg.Logger.With("component", "registry"),
		now:         time.Now,
		newID:       uuid.NewString,
		sessions:    map[string]*session.Session{},
		defaultID:   defaultID,
		activeID:    defaultID,
	}, nil
}

// DefaultSessionID returns the canonical slot id.
func (r *Registry) DefaultSessionID() string {
	return r.defaultID
}

// GetOrCreate returns the session for id, creating it if needed. Creation is
// atomic per id.
func (r *Registry) GetOrCreate(id string) (*session.Session, error) {
	id = r.resolve(id)
	if err := credstore.ValidateID(id); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[id]; ok {
		return existing, nil
	}

	cfg := r.template
	cfg.Sink = r.sinkFor(id)
	s, err := session.New(id, cfg)
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}
	if r.handler != nil {
		s.SetMessageHandler(r.handler)
	}
	r.sessions[id] = s
	r.logger.Debug("session registered", "session_id", id)
	return s, nil
}

// Register creates an idle session for id without starting it.
func (r *Registry) Register(id string) error {
	_, err := r.GetOrCreate(id)
	return err
}

// Get returns the session for id without creating it.
func (r *Registry) Get(id string) (*session.Session, bool) {
	id = r.resolve(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// CreateNewSession mints a fresh id, registers it, and initializes it.
func (r *Registry) CreateNewSession(ctx context.Context) (string, error) {
	id := r.newID()
	s, err := r.GetOrCreate(id)
	if err != nil {
		return "", err
	}
	if err := s.Initialize(ctx); err != nil {
		return id, err
	}
	return id, nil
}

// Terminate disconnects the session, deletes its credentials, and forgets
// it. It emits sessionTerminated. If the credentials cannot be deleted the
// session stays registered, disconnected, so the call can be retried.
func (r *Registry) Terminate(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if err := s.Disconnect(ctx, true); err != nil {
		r.logger.Warn("disconnect during terminate", "session_id", id, "err", err)
	}
	if r.credentials != nil {
		if err := r.credentials.Remove(id); err != nil {
			return fmt.Errorf("terminate session %s: %w", id, err)
		}
	}

	r.mu.Lock()
	if r.sessions[id] == s {
		delete(r.sessions, id)
	}
	if r.activeID == id {
		r.activeID = r.defaultID
	}
	r.mu.Unlock()

	r.bus.Publish(events.Event{
		Type:      events.TypeSessionTerminated,
		SessionID: id,
		Timestamp: r.now().UTC(),
		Payload:   events.SessionTerminatedPayload{SessionID: id},
	})
	r.logger.Info("session terminated", "session_id", id)
	return nil
}

// SetActiveSession changes the id used by calls that omit one.
func (r *Registry) SetActiveSession(id string) error {
	id = strings.TrimSpace(id)
	if err := credstore.ValidateID(id); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeID = id
	return nil
}

// ActiveSessionID returns the id used by calls that omit one.
func (r *Registry) ActiveSessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

// SetMessageHandler installs handler on every current and future session.
func (r *Registry) SetMessageHandler(handler session.MessageHandler) {
	r.mu.Lock()
	r.handler = handler
	sessions := r.snapshotLocked()
	r.mu.Unlock()

	for _, s := range sessions {
		s.SetMessageHandler(handler)
	}
}

// Sessions returns every registered session sorted by id.
func (r *Registry) Sessions() []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Statuses returns the status payload of every registered session.
func (r *Registry) Statuses() []events.StatusPayload {
	sessions := r.Sessions()
	out := make([]events.StatusPayload, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.StatusPayload())
	}
	return out
}

// Shutdown manually disconnects every session. Credentials are kept.
func (r *Registry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, s := range r.Sessions() {
		if err := s.Disconnect(ctx, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) snapshotLocked() []*session.Session {
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Registry) resolve(id string) string {
	id = strings.TrimSpace(id)
	if id != "" {
		return id
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

// sinkFor re-emits one session's events on the bus. It runs under the
// session lock, so anything slow is pushed to a goroutine.
func (r *Registry) sinkFor(id string) session.Sink {
	return func(event events.Event) {
		event.SessionID = id
		r.bus.Publish(event)
		if event.Type == events.TypeReady && r.credentials != nil {
			go r.recordReady(id, event.Timestamp)
		}
	}
}

func (r *Registry) recordReady(id string, at time.Time) {
	s, ok := r.Get(id)
	if !ok {
		return
	}
	identity := ""
	if status := s.Status(); status.ConnectedIdentity != nil {
		identity = status.ConnectedIdentity.Number
	}
	if err := r.credentials.RecordReady(id, identity, at); err != nil {
		r.logger.Warn("record ready in credential metadata", "session_id", id, "err", err)
	}
}

// lookup resolves id and returns its session or ErrNotFound.
func (r *Registry) lookup(id string) (*session.Session, error) {
	s, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, r.resolve(id))
	}
	return s, nil
}
