package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ship-commander/wamux/internal/credstore"
	"github.com/ship-commander/wamux/internal/locks"
)

// Severity grades one check.
type Severity string

const (
	SeverityOK   Severity = "ok"
	SeverityWarn Severity = "warn"
	SeverityFail Severity = "fail"
)

// Check is one diagnostic result.
type Check struct {
	Name     string   `json:"name"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
}

// Report is the outcome of one RunOnce.
type Report struct {
	Checks    []Check   `json:"checks"`
	CheckedAt time.Time `json:"checked_at"`
}

// Healthy reports whether no check failed. Warnings are allowed.
func (r Report) Healthy() bool {
	for _, check := range r.Checks {
		if check.Severity == SeverityFail {
			return false
		}
	}
	return true
}

// CredentialLister enumerates stored session directories.
type CredentialLister interface {
	Root() string
	List() ([]credstore.Entry, error)
}

// LeaseInspector reports which process currently owns sessions.
type LeaseInspector interface {
	CheckConflict(ctx context.Context, sessions []string) ([]locks.Lease, error)
}

// Config names what Doctor inspects.
type Config struct {
	BridgeCommand string
}

// Manager runs install and runtime checks against one wamux home.
type Manager struct {
	store    CredentialLister
	leases   LeaseInspector
	bridge   string
	now      func() time.Time
	lookPath func(string) (string, error)
}

// NewManager builds a Doctor manager.
func NewManager(store CredentialLister, leases LeaseInspector, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, errors.New("credential store is required")
	}
	if leases == nil {
		return nil, errors.New("lease inspector is required")
	}
	if strings.TrimSpace(cfg.BridgeCommand) == "" {
		return nil, errors.New("bridge command is required")
	}
	return &Manager{
		store:    store,
		leases:   leases,
		bridge:   strings.TrimSpace(cfg.BridgeCommand),
		now:      time.Now,
		lookPath: exec.LookPath,
	}, nil
}

// RunOnce executes every check. Individual check failures land in the
// report; the error is reserved for a nil manager.
func (m *Manager) RunOnce(ctx context.Context) (Report, error) {
	if m == nil {
		return Report{}, errors.New("doctor manager is nil")
	}
	report := Report{CheckedAt: m.now().UTC()}
	report.Checks = append(report.Checks,
		m.checkBridge(),
		m.checkAuthDir(),
		m.checkCredentials(),
		m.checkLease(ctx),
	)
	return report, nil
}

func (m *Manager) checkBridge() Check {
	check := Check{Name: "bridge"}
	path, err := m.lookPath(m.bridge)
	if err != nil {
		check.Severity = SeverityFail
		check.Detail = fmt.Sprintf("%s not found: %v", m.bridge, err)
		return check
	}
	check.Severity = SeverityOK
	check.Detail = path
	return check
}

func (m *Manager) checkAuthDir() Check {
	check := Check{Name: "auth_dir"}
	root := m.store.Root()
	if err := os.MkdirAll(root, 0o700); err != nil {
		check.Severity = SeverityFail
		check.Detail = fmt.Sprintf("create %s: %v", root, err)
		return check
	}
	scratch, err := os.CreateTemp(root, ".doctor-*")
	if err != nil {
		check.Severity = SeverityFail
		check.Detail = fmt.Sprintf("%s is not writable: %v", root, err)
		return check
	}
	name := scratch.Name()
	_ = scratch.Close()
	_ = os.Remove(name)

	check.Severity = SeverityOK
	check.Detail = filepath.Clean(root)
	return check
}

func (m *Manager) checkCredentials() Check {
	check := Check{Name: "credentials"}
	entries, err := m.store.List()
	if err != nil {
		check.Severity = SeverityFail
		check.Detail = err.Error()
		return check
	}
	stale := 0
	for _, entry := range entries {
		if entry.Stale {
			stale++
		}
	}
	live := len(entries) - stale
	check.Detail = fmt.Sprintf("%d stored, %d stale", live, stale)
	check.Severity = SeverityOK
	if stale > 0 {
		check.Severity = SeverityWarn
		check.Detail += " (run wamux sessions prune)"
	}
	return check
}

func (m *Manager) checkLease(ctx context.Context) Check {
	check := Check{Name: "lease"}
	held, err := m.leases.CheckConflict(ctx, []string{locks.AllSessions})
	if err != nil {
		check.Severity = SeverityWarn
		check.Detail = fmt.Sprintf("read leases: %v", err)
		return check
	}
	check.Severity = SeverityOK
	if len(held) == 0 {
		check.Detail = "free"
		return check
	}
	owners := make([]string, 0, len(held))
	for _, lease := range held {
		owners = append(owners, fmt.Sprintf("%s (pid %d)", lease.Owner, lease.Pid))
	}
	check.Detail = "held by " + strings.Join(owners, ", ")
	return check
}
