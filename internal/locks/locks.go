// Package locks leases session slots in the auth directory to one process
// at a time, so offline maintenance never deletes credentials a running
// server is using.
package locks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const (
	// DefaultExpiryTimeout is the lease duration when no override is provided.
	DefaultExpiryTimeout = 5 * time.Minute

	// FileName is the lease file kept in the auth directory root.
	FileName = ".wamux-leases.json"

	// AllSessions matches every session id.
	AllSessions = "*"
)

var (
	// ErrConflict indicates a lease overlaps one held by another owner.
	ErrConflict = errors.New("session lease conflict")
)

// Lease tracks one owner's reservation of session ids.
type Lease struct {
	Owner      string    `json:"owner"`
	Pid        int       `json:"pid"`
	Sessions   []string  `json:"sessions"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// ManagerConfig controls lease manager behavior.
type ManagerConfig struct {
	ExpiryTimeout time.Duration
	// Alive reports whether a lease holder still runs. Defaults to a
	// gopsutil process check.
	Alive func(ctx context.Context, pid int) bool
}

// Store persists lease state.
type Store interface {
	Load(ctx context.Context) ([]Lease, error)
	Save(ctx context.Context, leases []Lease) error
}

// Manager manages lease acquisition, conflict checks, and release.
type Manager struct {
	store         Store
	now           func() time.Time
	alive         func(ctx context.Context, pid int) bool
	expiryTimeout time.Duration
}

// NewManager constructs a lease manager.
func NewManager(store Store, cfg ManagerConfig) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.ExpiryTimeout <= 0 {
		cfg.ExpiryTimeout = DefaultExpiryTimeout
	}
	if cfg.Alive == nil {
		cfg.Alive = pidAlive
	}
	return &Manager{
		store:         store,
		now:           time.Now,
		alive:         cfg.Alive,
		expiryTimeout: cfg.ExpiryTimeout,
	}, nil
}

// ExpiryTimeout returns the configured lease duration.
func (m *Manager) ExpiryTimeout() time.Duration {
	if m == nil {
		return 0
	}
	return m.expiryTimeout
}

// Acquire reserves session ids (or AllSessions) for owner. Re-acquiring
// replaces the owner's previous lease.
func (m *Manager) Acquire(ctx context.Context, owner string, pid int, sessions []string) error {
	if m == nil {
		return errors.New("manager is nil")
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return errors.New("owner must not be empty")
	}
	sessions = normalizeSessions(sessions)
	if len(sessions) == 0 {
		return errors.New("at least one session id is required")
	}

	leases, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load leases: %w", err)
	}

	now := m.now().UTC()
	leases = withoutOwner(m.onlyActive(ctx, leases, now), owner)

	conflicts := findConflicts(leases, sessions)
	if len(conflicts) > 0 {
		return fmt.Errorf("%w: owner=%s held by %s (pid %d)", ErrConflict, owner, conflicts[0].Owner, conflicts[0].Pid)
	}

	leases = append(leases, Lease{
		Owner:      owner,
		Pid:        pid,
		Sessions:   append([]string(nil), sessions...),
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.expiryTimeout),
	})

	if err := m.store.Save(ctx, leases); err != nil {
		return fmt.Errorf("save leases: %w", err)
	}
	return nil
}

// Renew extends owner's lease by the expiry timeout.
func (m *Manager) Renew(ctx context.Context, owner string) error {
	if m == nil {
		return errors.New("manager is nil")
	}
	owner = strings.TrimSpace(owner)

	leases, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load leases: %w", err)
	}
	now := m.now().UTC()
	leases = m.onlyActive(ctx, leases, now)
	found := false
	for i := range leases {
		if strings.TrimSpace(leases[i].Owner) == owner {
			leases[i].ExpiresAt = now.Add(m.expiryTimeout)
			found = true
		}
	}
	if !found {
		return fmt.Errorf("no active lease for %s", owner)
	}
	if err := m.store.Save(ctx, leases); err != nil {
		return fmt.Errorf("save leases: %w", err)
	}
	return nil
}

// Release removes owner's lease.
func (m *Manager) Release(ctx context.Context, owner string) error {
	if m == nil {
		return errors.New("manager is nil")
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return errors.New("owner must not be empty")
	}

	leases, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load leases: %w", err)
	}
	leases = withoutOwner(m.onlyActive(ctx, leases, m.now().UTC()), owner)
	if err := m.store.Save(ctx, leases); err != nil {
		return fmt.Errorf("save leases: %w", err)
	}
	return nil
}

// CheckConflict returns active leases overlapping the requested ids.
func (m *Manager) CheckConflict(ctx context.Context, sessions []string) ([]Lease, error) {
	if m == nil {
		return nil, errors.New("manager is nil")
	}
	sessions = normalizeSessions(sessions)
	if len(sessions) == 0 {
		return nil, errors.New("at least one session id is required")
	}

	leases, err := m.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load leases: %w", err)
	}
	return findConflicts(m.onlyActive(ctx, leases, m.now().UTC()), sessions), nil
}

// Hold acquires a lease and returns a release closure.
func (m *Manager) Hold(ctx context.Context, owner string, sessions []string) (func() error, error) {
	if err := m.Acquire(ctx, owner, os.Getpid(), sessions); err != nil {
		return nil, err
	}
	return func() error {
		return m.Release(context.Background(), owner)
	}, nil
}

func (m *Manager) onlyActive(ctx context.Context, leases []Lease, now time.Time) []Lease {
	active := make([]Lease, 0, len(leases))
	for _, lease := range leases {
		if !lease.ExpiresAt.IsZero() && !lease.ExpiresAt.After(now) {
			continue
		}
		if lease.Pid > 0 && !m.alive(ctx, lease.Pid) {
			continue
		}
		active = append(active, lease)
	}
	return active
}

func findConflicts(existing []Lease, requested []string) []Lease {
	conflicts := make([]Lease, 0)
	for _, lease := range existing {
		if leaseOverlaps(lease, requested) {
			conflicts = append(conflicts, lease)
		}
	}
	return conflicts
}

func leaseOverlaps(lease Lease, requested []string) bool {
	for _, held := range lease.Sessions {
		for _, want := range requested {
			if sessionsOverlap(held, want) {
				return true
			}
		}
	}
	return false
}

func sessionsOverlap(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if a == b || a == AllSessions || b == AllSessions {
		return true
	}
	if matched, err := filepath.Match(a, b); err == nil && matched {
		return true
	}
	if matched, err := filepath.Match(b, a); err == nil && matched {
		return true
	}
	return false
}

func normalizeSessions(sessions []string) []string {
	normalized := make([]string, 0, len(sessions))
	for _, id := range sessions {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		normalized = append(normalized, id)
	}
	return normalized
}

func withoutOwner(leases []Lease, owner string) []Lease {
	filtered := make([]Lease, 0, len(leases))
	for _, lease := range leases {
		if strings.TrimSpace(lease.Owner) == owner {
			continue
		}
		filtered = append(filtered, lease)
	}
	return filtered
}

func pidAlive(ctx context.Context, pid int) bool {
	if pid <= 0 || pid > int(^uint32(0)>>1) {
		return false
	}
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return true
	}
	return exists
}

// FileStore persists leases as JSON in one file.
type FileStore struct {
	path string
}

// NewFileStore stores leases under dir/FileName.
func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("lease directory must not be empty")
	}
	return &FileStore{path: filepath.Join(dir, FileName)}, nil
}

// Path returns the lease file path.
func (s *FileStore) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Load reads leases. A missing file holds no leases.
func (s *FileStore) Load(_ context.Context) ([]Lease, error) {
	if s == nil {
		return nil, errors.New("file store is nil")
	}
	// #nosec G304 -- path is derived from the configured auth directory.
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Lease{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return []Lease{}, nil
	}
	var leases []Lease
	if err := json.Unmarshal(data, &leases); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return leases, nil
}

// Save atomically replaces the lease file.
func (s *FileStore) Save(_ context.Context, leases []Lease) error {
	if s == nil {
		return errors.New("file store is nil")
	}
	payload, err := json.MarshalIndent(leases, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal leases: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create lease directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".wamux-leases-*")
	if err != nil {
		return fmt.Errorf("create temp lease file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp lease file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp lease file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}
