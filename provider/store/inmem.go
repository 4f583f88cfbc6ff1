package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemory is a GrantStore backed by a mutex-guarded map. Expired grants are
// evicted lazily when a read discovers them.
type InMemory struct {
	mu     sync.Mutex
	grants map[string]*PersistedGrant
	now    func() time.Time
}

// ensure that InMemory implements the GrantStore interface.
var _ GrantStore = (*InMemory)(nil)

// NewInMemory creates an empty in-memory grant store.
// Supported options: WithNow
func NewInMemory(opt ...Option) *InMemory {
	opts := getStoreOpts(opt...)
	return &InMemory{
		grants: map[string]*PersistedGrant{},
		now:    opts.withNowFn,
	}
}

// Store persists the grant, replacing any grant with the same key.
func (s *InMemory) Store(_ context.Context, grant *PersistedGrant) error {
	const op = "store.(InMemory).Store"
	if grant == nil {
		return fmt.Errorf("%s: missing grant: %w", op, ErrNilParameter)
	}
	if grant.Key == "" {
		return fmt.Errorf("%s: missing grant key: %w", op, ErrInvalidParameter)
	}
	cp := *grant
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[cp.Key] = &cp
	return nil
}

// Get returns the grant for the key or ErrNotFound. Expired grants are
// removed and reported as not found.
func (s *InMemory) Get(_ context.Context, key string) (*PersistedGrant, error) {
	const op = "store.(InMemory).Get"
	if key == "" {
		return nil, fmt.Errorf("%s: missing key: %w", op, ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[key]
	if !ok {
		return nil, fmt.Errorf("%s: %q: %w", op, key, ErrNotFound)
	}
	if g.Expired(s.now()) {
		delete(s.grants, key)
		return nil, fmt.Errorf("%s: %q: %w", op, key, ErrNotFound)
	}
	cp := *g
	return &cp, nil
}

// GetAll returns a snapshot of unexpired grants matching the filter.
func (s *InMemory) GetAll(_ context.Context, filter GrantFilter) ([]*PersistedGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var matched []*PersistedGrant
	for key, g := range s.grants {
		if g.Expired(now) {
			delete(s.grants, key)
			continue
		}
		if filter.Matches(g) {
			cp := *g
			matched = append(matched, &cp)
		}
	}
	return matched, nil
}

// Remove deletes the grant for the key.
func (s *InMemory) Remove(_ context.Context, key string) error {
	const op = "store.(InMemory).Remove"
	if key == "" {
		return fmt.Errorf("%s: missing key: %w", op, ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, key)
	return nil
}

// RemoveIfExists deletes the grant for the key and reports whether it was
// present and unexpired. The mutex guarantees only one concurrent caller
// observes true.
func (s *InMemory) RemoveIfExists(_ context.Context, key string) (bool, error) {
	const op = "store.(InMemory).RemoveIfExists"
	if key == "" {
		return false, fmt.Errorf("%s: missing key: %w", op, ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[key]
	if !ok {
		return false, nil
	}
	delete(s.grants, key)
	if g.Expired(s.now()) {
		return false, nil
	}
	return true, nil
}

// RemoveAll deletes every grant matching the filter.
func (s *InMemory) RemoveAll(_ context.Context, filter GrantFilter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, g := range s.grants {
		if filter.Matches(g) {
			delete(s.grants, key)
		}
	}
	return nil
}
