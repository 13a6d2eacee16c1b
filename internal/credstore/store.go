// Package credstore owns the per-session credential directories that client
// processes write into. The directory contents are opaque; the store only
// creates, lists, classifies, and removes them, plus a small metadata
// sidecar.
package credstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DirPrefix starts every live credential directory name.
	DirPrefix = "session-"
	// MetaFile is the sidecar written next to the client's own files.
	MetaFile = "wamux.yaml"

	dirPerm  = 0o700
	filePerm = 0o600
)

// Prefixes of directories left behind by interrupted pairing attempts and
// transient slots.
var stalePrefixes = []string{"pairing-", "tmp-"}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ErrInvalidID reports a session id that cannot name a directory.
var ErrInvalidID = errors.New("invalid session id")

// ValidateID checks that id is usable as a credential directory name.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w %q: want 1-64 of [A-Za-z0-9_-]", ErrInvalidID, id)
	}
	return nil
}

// Meta is the wamux.yaml sidecar.
type Meta struct {
	CreatedAt    time.Time  `yaml:"created_at"`
	LastIdentity string     `yaml:"last_identity,omitempty"`
	LastReadyAt  *time.Time `yaml:"last_ready_at,omitempty"`
}

// Entry is one directory found under the store root.
type Entry struct {
	Name        string
	SessionID   string
	Path        string
	Stale       bool
	StaleReason string
	Meta        *Meta
}

// Store manages credential directories under one root.
type Store struct {
	root string
	now  func() time.Time
}

// New returns a store rooted at root. The root is created lazily.
func New(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("credential root is required")
	}
	return &Store{root: filepath.Clean(root), now: time.Now}, nil
}

// Root returns the store root.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the credential directory for id without touching disk.
func (s *Store) Dir(id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	return filepath.Join(s.root, DirPrefix+id), nil
}

// EnsureDir creates the credential directory for id and its sidecar if
// they do not exist yet.
func (s *Store) EnsureDir(id string) (string, error) {
	dir, err := s.Dir(id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("create credential dir %s: %w", dir, err)
	}
	if _, err := os.Stat(filepath.Join(dir, MetaFile)); errors.Is(err, fs.ErrNotExist) {
		if err := s.WriteMeta(id, Meta{CreatedAt: s.now().UTC()}); err != nil {
			return "", err
		}
	}
	return dir, nil
}

// Remove deletes the credential directory for id recursively. A missing
// directory is not an error.
func (s *Store) Remove(id string) error {
	dir, err := s.Dir(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove credential dir %s: %w", dir, err)
	}
	return nil
}

// RemoveEntry deletes a listed directory, stale or not.
func (s *Store) RemoveEntry(entry Entry) error {
	if filepath.Dir(entry.Path) != s.root {
		return fmt.Errorf("entry %s is outside credential root %s", entry.Path, s.root)
	}
	if err := os.RemoveAll(entry.Path); err != nil {
		return fmt.Errorf("remove credential dir %s: %w", entry.Path, err)
	}
	return nil
}

// List returns every credential-like directory under the root, sorted by
// name. Unrelated files and directories are skipped.
func (s *Store) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credential root %s: %w", s.root, err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, dirEntry := range dirEntries {
		if !dirEntry.IsDir() {
			continue
		}
		entry, ok := s.classify(dirEntry.Name())
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (s *Store) classify(name string) (Entry, bool) {
	entry := Entry{Name: name, Path: filepath.Join(s.root, name)}
	for _, prefix := range stalePrefixes {
		if strings.HasPrefix(name, prefix) {
			entry.Stale = true
			entry.StaleReason = "abandoned " + strings.TrimSuffix(prefix, "-") + " slot"
			return entry, true
		}
	}
	if !strings.HasPrefix(name, DirPrefix) {
		return Entry{}, false
	}

	entry.SessionID = strings.TrimPrefix(name, DirPrefix)
	if err := ValidateID(entry.SessionID); err != nil {
		entry.Stale = true
		entry.StaleReason = "invalid session id"
		return entry, true
	}
	if empty, err := onlyMeta(entry.Path); err == nil && empty {
		entry.Stale = true
		entry.StaleReason = "no credentials"
		return entry, true
	}
	if meta, err := s.ReadMeta(entry.SessionID); err == nil {
		entry.Meta = &meta
	}
	return entry, true
}

// onlyMeta reports whether dir holds nothing but the sidecar.
func onlyMeta(dir string) (bool, error) {
	children, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	for _, child := range children {
		if child.Name() != MetaFile {
			return false, nil
		}
	}
	return true, nil
}

// ReadMeta loads the sidecar for id.
func (s *Store) ReadMeta(id string) (Meta, error) {
	dir, err := s.Dir(id)
	if err != nil {
		return Meta{}, err
	}
	path := filepath.Join(dir, MetaFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return Meta{}, fmt.Errorf("read %s: %w", path, err)
	}
	var meta Meta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return meta, nil
}

// WriteMeta replaces the sidecar for id atomically.
func (s *Store) WriteMeta(id string, meta Meta) error {
	dir, err := s.Dir(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create credential dir %s: %w", dir, err)
	}
	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode session metadata: %w", err)
	}
	path := filepath.Join(dir, MetaFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// RecordReady stamps the sidecar with the identity that just became ready.
func (s *Store) RecordReady(id, identity string, at time.Time) error {
	meta, err := s.ReadMeta(id)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = at.UTC()
	}
	readyAt := at.UTC()
	meta.LastReadyAt = &readyAt
	if identity != "" {
		meta.LastIdentity = identity
	}
	return s.WriteMeta(id, meta)
}
