package config

import (
	"fmt"
	"sync"
)

// Section is a named group of settings that can be persisted in a Store.
type Section interface {
	ID() string
	Data() map[string]any
	SetData(data map[string]any) error
	Validate() error
	Reset()
}

// Manager binds sections to a store.
type Manager struct {
	store Store

	mu       sync.RWMutex
	sections map[string]Section
	order    []string
}

// NewManager creates a manager over store.
func NewManager(store Store) *Manager {
	return &Manager{
		store:    store,
		sections: make(map[string]Section),
	}
}

// Store returns the underlying store.
func (m *Manager) Store() Store {
	return m.store
}

// RegisterSection adds a section. IDs must be unique.
func (m *Manager) RegisterSection(section Section) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := section.ID()
	if _, exists := m.sections[id]; exists {
		return fmt.Errorf("section %q already registered", id)
	}
	m.sections[id] = section
	m.order = append(m.order, id)
	return nil
}

// GetSection returns the section registered under id.
func (m *Manager) GetSection(id string) (Section, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sections[id]
	return s, ok
}

// LoadAll applies the stored data of every registered section. A section
// whose stored data fails validation is reset to its defaults.
func (m *Manager) LoadAll() error {
	if err := m.store.Load(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, id := range m.order {
		section := m.sections[id]
		data := m.store.GetSection(id)
		if len(data) == 0 {
			continue
		}
		if err := section.SetData(data); err != nil {
			return fmt.Errorf("section %s: %w", id, err)
		}
		if err := section.Validate(); err != nil {
			section.Reset()
		}
	}
	return nil
}

// SaveSection validates one section and writes it to the store.
func (m *Manager) SaveSection(id string) error {
	section, ok := m.GetSection(id)
	if !ok {
		return fmt.Errorf("section %q not registered", id)
	}
	if err := section.Validate(); err != nil {
		return err
	}
	m.store.SetSection(id, section.Data())
	return m.store.Save()
}
