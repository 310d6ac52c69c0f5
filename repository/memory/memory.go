package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/projecteru2/corral/repository"
	"github.com/projecteru2/corral/types"
)

// compile-time interface check.
var _ repository.Repository = (*Store)(nil)

// Store is an in-memory repository. A single mutex guards every
// read-modify-write, which emulates the atomic claim discipline the
// SQLite store gets from its transaction. Used in tests and for
// ephemeral noop-driver runs.
type Store struct {
	mu       sync.Mutex
	machines map[string]*types.Machine
}

// New creates an empty Store.
func New() *Store {
	return &Store{machines: make(map[string]*types.Machine)}
}

func (s *Store) FindByUser(_ context.Context, userID string) (*types.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.machines {
		if m.UserID == userID && userID != "" {
			return copyMachine(m), nil
		}
	}
	return nil, nil
}

func (s *Store) Get(_ context.Context, id string) (*types.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyMachine(m), nil
}

func (s *Store) ClaimFree(_ context.Context, userID string) (*types.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Existing assignment wins, so a double claim for one user can
	// never consume a second spare.
	for _, m := range s.machines {
		if m.UserID == userID {
			return copyMachine(m), nil
		}
	}

	// Oldest spare first, matching the SQLite store's ordering.
	var spare *types.Machine
	for _, m := range s.machines {
		if m.UserID != "" {
			continue
		}
		if spare == nil || olderThan(m, spare) {
			spare = m
		}
	}
	if spare == nil {
		return nil, repository.ErrNoMachineFound
	}
	spare.UserID = userID
	return copyMachine(spare), nil
}

func (s *Store) CountFree(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, m := range s.machines {
		if m.UserID == "" {
			count++
		}
	}
	return count, nil
}

func (s *Store) Insert(_ context.Context, machine *types.Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machines[machine.ID] = copyMachine(machine)
	return nil
}

func (s *Store) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.machines[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.machines, id)
	return nil
}

func (s *Store) SetExpiry(_ context.Context, id string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[id]
	if !ok {
		return repository.ErrNotFound
	}
	t := expiresAt
	m.ExpiresAt = &t
	return nil
}

func (s *Store) List(_ context.Context) ([]*types.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Machine, 0, len(s.machines))
	for _, m := range s.machines {
		out = append(out, copyMachine(m))
	}
	sort.Slice(out, func(i, j int) bool { return olderThan(out[i], out[j]) })
	return out, nil
}

func (s *Store) ListExpired(_ context.Context, now time.Time) ([]*types.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Machine
	for _, m := range s.machines {
		if m.Assigned() && m.Expired(now) {
			out = append(out, copyMachine(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return olderThan(out[i], out[j]) })
	return out, nil
}

func (s *Store) Close() error { return nil }

// copyMachine returns a detached value, safe to use after the lock is
// released.
func copyMachine(m *types.Machine) *types.Machine {
	out := *m
	if m.ExpiresAt != nil {
		t := *m.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}

func olderThan(a, b *types.Machine) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
