// Package state persists the relay's enabled flag and broker port, and models
// the enable/disable lifecycle of the running daemon.
package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// File is the persisted state document.
type File struct {
	// Enabled is nil until the user toggles the relay; nil means enabled.
	Enabled   *bool `yaml:"enabled,omitempty"`
	RelayPort int   `yaml:"relay_port,omitempty"`
}

// IsEnabled reports the effective flag: enabled unless explicitly false.
func (f File) IsEnabled() bool {
	return f.Enabled == nil || *f.Enabled
}

// Store reads and writes the state file.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a Store for path.
func NewStore(path string) *Store {
	return &Store{path: filepath.Clean(path)}
}

// Path returns the state file path.
func (s *Store) Path() string { return s.path }

// Load reads the state file. A missing file yields the zero File.
func (s *Store) Load() (File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (File, error) {
	var f File
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return f, nil
		}
		return f, fmt.Errorf("state: read %s: %w", s.path, err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("state: parse %s: %w", s.path, err)
	}
	return f, nil
}

// Save replaces the state file atomically.
func (s *Store) Save(f File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(f)
}

func (s *Store) saveLocked(f File) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("state: encode: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("state: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.yaml")
	if err != nil {
		return fmt.Errorf("state: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("state: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("state: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("state: replace %s: %w", s.path, err)
	}
	return nil
}

// Update loads the file, applies fn and saves the result.
func (s *Store) Update(fn func(*File)) (File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.loadLocked()
	if err != nil {
		return File{}, err
	}
	fn(&f)
	if err := s.saveLocked(f); err != nil {
		return File{}, err
	}
	return f, nil
}

// SetEnabled persists the enabled flag.
func (s *Store) SetEnabled(enabled bool) error {
	_, err := s.Update(func(f *File) { f.Enabled = &enabled })
	return err
}

// Install records first-run defaults: the relay is enabled and the port is
// set unless one was already chosen.
func (s *Store) Install(defaultPort int) (File, error) {
	return s.Update(func(f *File) {
		enabled := true
		f.Enabled = &enabled
		if f.RelayPort == 0 {
			f.RelayPort = defaultPort
		}
	})
}
