// Package recovery restores sessions from persisted credential directories
// on startup.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/wamux/internal/credstore"
	"github.com/ship-commander/wamux/internal/events"
)

const (
	// DefaultResumeTimeout bounds how long the default slot may take to start.
	DefaultResumeTimeout = 90 * time.Second
)

// Result captures what restoration did.
type Result struct {
	Initialized      []string
	Dormant          []string
	Removed          []string
	Failed           []string
	RecoveryDuration time.Duration
}

// CredentialStore lists and prunes credential directories.
type CredentialStore interface {
	List() ([]credstore.Entry, error)
	RemoveEntry(entry credstore.Entry) error
}

// SessionRegistry registers and starts restored sessions.
type SessionRegistry interface {
	DefaultSessionID() string
	Register(id string) error
	Initialize(ctx context.Context, id string) error
}

// EventBus publishes the restoration summary.
type EventBus interface {
	Publish(event events.Event)
}

// Config configures startup restoration.
type Config struct {
	ResumeTimeout time.Duration
	EventBus      EventBus
	Logger        *log.Logger
}

// Manager restores sessions from credential storage.
type Manager struct {
	store         CredentialStore
	sessions      SessionRegistry
	bus           EventBus
	logger        *log.Logger
	resumeTimeout time.Duration
	now           func() time.Time
}

// NewManager constructs a restoration manager.
func NewManager(store CredentialStore, sessions SessionRegistry, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, errors.New("credential store is required")
	}
	if sessions == nil {
		return nil, errors.New("session registry is required")
	}
	if cfg.ResumeTimeout <= 0 {
		cfg.ResumeTimeout = DefaultResumeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard)
	}
	return &Manager{
		store:         store,
		sessions:      sessions,
		bus:           cfg.EventBus,
		logger:        cfg.Logger.With("component", "recovery"),
		resumeTimeout: cfg.ResumeTimeout,
		now:           time.Now,
	}, nil
}

// Recover deletes stale credential directories, starts the default slot if
// it has credentials, and registers every other slot as dormant. Failures
// on individual entries are collected in Result.Failed; only an unreadable
// store is an error.
func (m *Manager) Recover(ctx context.Context) (Result, error) {
	if m == nil {
		return Result{}, errors.New("recovery manager is nil")
	}
	started := m.now()

	entries, err := m.store.List()
	if err != nil {
		return Result{}, fmt.Errorf("list credential directories: %w", err)
	}

	result := Result{
		Initialized: []string{},
		Dormant:     []string{},
		Removed:     []string{},
	}
	defaultID := m.sessions.DefaultSessionID()
	restoreDefault := false

	for _, entry := range entries {
		if entry.Stale {
			if err := m.store.RemoveEntry(entry); err != nil {
				m.logger.Warn("remove stale credential dir", "dir", entry.Name, "err", err)
				result.Failed = append(result.Failed, entry.Name)
				continue
			}
			m.logger.Info("removed stale credential dir", "dir", entry.Name, "reason", entry.StaleReason)
			result.Removed = append(result.Removed, entry.Name)
			continue
		}
		if entry.SessionID == defaultID {
			restoreDefault = true
			continue
		}
		if err := m.sessions.Register(entry.SessionID); err != nil {
			m.logger.Warn("register dormant session", "session_id", entry.SessionID, "err", err)
			result.Failed = append(result.Failed, entry.SessionID)
			continue
		}
		result.Dormant = append(result.Dormant, entry.SessionID)
	}

	if restoreDefault {
		resumeCtx, cancel := context.WithTimeout(ctx, m.resumeTimeout)
		err := m.sessions.Initialize(resumeCtx, defaultID)
		cancel()
		if err != nil {
			m.logger.Error("restore default session", "session_id", defaultID, "err", err)
			result.Failed = append(result.Failed, defaultID)
		} else {
			result.Initialized = append(result.Initialized, defaultID)
		}
	}

	result.RecoveryDuration = m.now().Sub(started)
	m.publishRecoverySummary(result)
	return result, nil
}

func (m *Manager) publishRecoverySummary(result Result) {
	if m == nil || m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Type:      events.TypeRestored,
		Timestamp: m.now().UTC(),
		Payload: events.RestoredPayload{
			Initialized: append([]string(nil), result.Initialized...),
			Dormant:     append([]string(nil), result.Dormant...),
			Removed:     append([]string(nil), result.Removed...),
			Failed:      append([]string(nil), result.Failed...),
		},
	})
}
