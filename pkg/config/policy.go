package config

import (
	"fmt"
	"sync"
)

// SectionIDPolicy identifies the runtime policy section.
const SectionIDPolicy = "policy"

// Policy is the runtime policy changed through configure.
type Policy struct {
	OperatorModel string
	PlannerModel  string
	MaxSessions   int
}

// PolicySection holds the runtime policy.
type PolicySection struct {
	mu       sync.RWMutex
	policy   Policy
	defaults Policy
}

// NewPolicySection creates a section that resets to defaults.
func NewPolicySection(defaults Policy) *PolicySection {
	return &PolicySection{policy: defaults, defaults: defaults}
}

// ID returns the section identifier.
func (s *PolicySection) ID() string {
	return SectionIDPolicy
}

// Data returns the policy as stored data.
func (s *PolicySection) Data() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"operator_model": s.policy.OperatorModel,
		"planner_model":  s.policy.PlannerModel,
		"max_sessions":   s.policy.MaxSessions,
	}
}

// SetData updates the policy from stored data. Numbers decoded from JSON
// arrive as float64.
func (s *PolicySection) SetData(data map[string]any) error {
	if data == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := data["operator_model"].(string); ok {
		s.policy.OperatorModel = v
	}
	if v, ok := data["planner_model"].(string); ok {
		s.policy.PlannerModel = v
	}
	switch v := data["max_sessions"].(type) {
	case nil:
	case int:
		s.policy.MaxSessions = v
	case float64:
		s.policy.MaxSessions = int(v)
	default:
		return fmt.Errorf("max_sessions: unexpected type %T", v)
	}
	return nil
}

// Validate checks the session limit.
func (s *PolicySection) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ValidateMaxSessions(s.policy.MaxSessions)
}

// Reset restores the defaults.
func (s *PolicySection) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = s.defaults
}

// Get returns the current policy.
func (s *PolicySection) Get() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// Set replaces the policy after validating it. An invalid policy leaves the
// section unchanged.
func (s *PolicySection) Set(p Policy) error {
	if err := ValidateMaxSessions(p.MaxSessions); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
	return nil
}

// PolicyStore persists a PolicySection in a JSON file.
type PolicyStore struct {
	manager *Manager
	section *PolicySection
}

// OpenPolicyStore loads the policy stored at path, falling back to defaults
// when the file does not exist or holds an invalid policy.
func OpenPolicyStore(path string, defaults Policy) (*PolicyStore, error) {
	store, err := NewFileStore(path)
	if err != nil {
		return nil, err
	}
	manager := NewManager(store)
	section := NewPolicySection(defaults)
	if err := manager.RegisterSection(section); err != nil {
		return nil, err
	}
	if err := manager.LoadAll(); err != nil {
		return nil, err
	}
	return &PolicyStore{manager: manager, section: section}, nil
}

// Policy returns the current policy.
func (p *PolicyStore) Policy() Policy {
	return p.section.Get()
}

// Update validates, applies and saves a new policy.
func (p *PolicyStore) Update(policy Policy) error {
	if err := p.section.Set(policy); err != nil {
		return err
	}
	return p.manager.SaveSection(SectionIDPolicy)
}
