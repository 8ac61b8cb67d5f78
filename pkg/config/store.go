package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const storeVersion = "1"

// Store persists named sections of settings.
type Store interface {
	// Load reads the sections from disk. A missing file yields no sections.
	Load() error

	// Save writes the sections to disk.
	Save() error

	// GetSection returns a copy of a section's data, empty if unknown.
	GetSection(sectionID string) map[string]any

	// SetSection replaces a section's data.
	SetSection(sectionID string, data map[string]any)
}

type storeFile struct {
	Version  string                    `json:"version"`
	Sections map[string]map[string]any `json:"sections"`
}

// FileStore is a Store backed by one JSON file, written atomically.
type FileStore struct {
	path string

	mu       sync.RWMutex
	sections map[string]map[string]any
	modified bool
}

// NewFileStore opens the store at path and loads it if the file exists.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("store path is required")
	}

	s := &FileStore{
		path:     path,
		sections: make(map[string]map[string]any),
	}
	if err := s.Load(); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return s, nil
}

// Load reads the file, replacing any unsaved changes.
func (s *FileStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.sections = make(map[string]map[string]any)
		s.modified = false
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read store: %w", err)
	}

	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to decode store: %w", err)
	}
	if f.Sections == nil {
		f.Sections = make(map[string]map[string]any)
	}
	s.sections = f.Sections
	s.modified = false
	return nil
}

// Save writes every section through a temp file and rename.
func (s *FileStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	data, err := json.MarshalIndent(storeFile{Version: storeVersion, Sections: s.sections}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	s.modified = false
	return nil
}

// GetSection returns a copy of the section's data.
func (s *FileStore) GetSection(sectionID string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copySection(s.sections[sectionID])
}

// SetSection stores a copy of data under sectionID.
func (s *FileStore) SetSection(sectionID string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sections[sectionID] = copySection(data)
	s.modified = true
}

// IsModified reports unsaved changes.
func (s *FileStore) IsModified() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.modified
}

// Path returns the file path of the store.
func (s *FileStore) Path() string {
	return s.path
}

func copySection(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
