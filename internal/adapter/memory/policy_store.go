// Package memory provides in-memory implementations of the domain
// repositories and the policy store, for tests and single-binary development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/jacobragsdale/automation/internal/domain"
)

// PolicyStore is an in-memory policy store. Keys not seeded behave as absent
// denylist rules for the denylist namespace and as rejections elsewhere,
// matching the remote's "unknown id" behaviour.
type PolicyStore struct {
	mu     sync.Mutex
	values map[domain.Key]domain.Value

	// failWrites injects transient write failures, rejectKeys permanent
	// failures on both paths, rejectWrites permanent write failures only.
	failWrites   map[domain.Key]int
	rejectKeys   map[domain.Key]bool
	rejectWrites map[domain.Key]bool

	reads  []domain.Key
	writes []domain.Key
}

func NewPolicyStore(seed map[domain.Key]domain.Value) *PolicyStore {
	values := make(map[domain.Key]domain.Value, len(seed))
	for k, v := range seed {
		values[k] = v
	}
	return &PolicyStore{
		values:       values,
		failWrites:   make(map[domain.Key]int),
		rejectKeys:   make(map[domain.Key]bool),
		rejectWrites: make(map[domain.Key]bool),
	}
}

func (s *PolicyStore) Read(_ context.Context, key domain.Key) (domain.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reads = append(s.reads, key)

	if s.rejectKeys[key] {
		return domain.Value{}, fmt.Errorf("unknown id %q: %w", key, domain.ErrRemoteRejected)
	}
	if v, ok := s.values[key]; ok {
		return v, nil
	}
	kind, err := domain.KindOf(key)
	if err != nil {
		return domain.Value{}, fmt.Errorf("%v: %w", err, domain.ErrRemoteRejected)
	}
	if kind == domain.KindIDSet {
		return domain.IDSetValue(nil), nil
	}
	return domain.AbsentValue(), nil
}

func (s *PolicyStore) Write(_ context.Context, key domain.Key, value domain.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writes = append(s.writes, key)

	if s.rejectKeys[key] || s.rejectWrites[key] {
		return fmt.Errorf("unknown id %q: %w", key, domain.ErrRemoteRejected)
	}
	if n := s.failWrites[key]; n > 0 {
		s.failWrites[key] = n - 1
		return fmt.Errorf("injected outage: %w", domain.ErrRemoteUnavailable)
	}

	if value.Absent {
		delete(s.values, key)
		return nil
	}
	s.values[key] = value
	return nil
}

// Get returns the stored value and whether the key exists.
func (s *PolicyStore) Get(key domain.Key) (domain.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// FailNextWrites makes the next n writes to key fail transiently.
func (s *PolicyStore) FailNextWrites(key domain.Key, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites[key] = n
}

// RejectKey makes every read/write of key fail permanently.
func (s *PolicyStore) RejectKey(key domain.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectKeys[key] = true
}

// RejectWrites makes every write of key fail permanently while reads keep
// working.
func (s *PolicyStore) RejectWrites(key domain.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectWrites[key] = true
}

// Reads returns the keys read so far, in order.
func (s *PolicyStore) Reads() []domain.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Key(nil), s.reads...)
}

// Writes returns the keys written so far, in order.
func (s *PolicyStore) Writes() []domain.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Key(nil), s.writes...)
}
