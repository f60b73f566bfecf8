package rules

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	errorspkg "github.com/drblury/dualrun/internal/runtime/errors"
)

// MemoryStore keeps every published version in process. Publishing never
// mutates a version already handed out.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string][]*Rule
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[string][]*Rule), now: time.Now}
}

// Put validates rule and publishes it as the next version of its API type.
// The stored copy is returned.
func (s *MemoryStore) Put(rule *Rule) (*Rule, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	stored := rule.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.versions[stored.APIType]
	stored.Version = "v" + strconv.Itoa(len(history)+1)
	stored.CreatedAt = s.now().UTC()
	s.versions[stored.APIType] = append(history, stored)
	return stored.Clone(), nil
}

// GetActiveRule returns the latest version, or Empty when none exists.
func (s *MemoryStore) GetActiveRule(ctx context.Context, apiType string) (*Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.versions[apiType]
	if len(history) == 0 {
		return Empty(apiType), nil
	}
	return history[len(history)-1].Clone(), nil
}

// Version returns one specific published version.
func (s *MemoryStore) Version(apiType, version string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.versions[apiType] {
		if r.Version == version {
			return r.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: rule %s@%s", errorspkg.ErrNotFound, apiType, version)
}

// History returns every version of apiType, oldest first.
func (s *MemoryStore) History(apiType string) []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Rule, 0, len(s.versions[apiType]))
	for _, r := range s.versions[apiType] {
		out = append(out, r.Clone())
	}
	return out
}

// File is the YAML document accepted by LoadYAML.
type File struct {
	Rules []Rule `yaml:"rules"`
}

// ParseYAML decodes and validates a rule file without publishing it.
func ParseYAML(r io.Reader) ([]Rule, error) {
	var file File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode rule file: %w", err)
	}
	for i := range file.Rules {
		if err := file.Rules[i].Validate(); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, file.Rules[i].APIType, err)
		}
	}
	return file.Rules, nil
}

// LoadYAML publishes every rule of the document in order. Nothing is
// published when any rule is invalid.
func (s *MemoryStore) LoadYAML(r io.Reader) error {
	parsed, err := ParseYAML(r)
	if err != nil {
		return err
	}
	for i := range parsed {
		if _, err := s.Put(&parsed[i]); err != nil {
			return err
		}
	}
	return nil
}
