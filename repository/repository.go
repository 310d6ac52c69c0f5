package repository

import (
	"context"
	"errors"
	"time"

	"github.com/projecteru2/corral/types"
)

var (
	// ErrNoMachineFound means the pool has no claimable spare. An
	// expected, recoverable condition — callers retry after the pool
	// grows.
	ErrNoMachineFound = errors.New("no free machine found")
	// ErrNotFound means the machine ID does not exist.
	ErrNotFound = errors.New("machine not found")
)

// Repository is the durable record store for machines. It is the
// single source of truth and sole synchronization point across broker
// replicas: ClaimFree must stay atomic under concurrent callers even
// when the in-process state is not shared.
type Repository interface {
	// FindByUser returns the user's machine, or (nil, nil) when the
	// user has no assignment.
	FindByUser(ctx context.Context, userID string) (*types.Machine, error)

	// Get returns the machine by ID. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*types.Machine, error)

	// ClaimFree atomically assigns one free machine to userID. Under
	// N concurrent callers each winner gets a distinct machine; losers
	// fail fast with ErrNoMachineFound instead of waiting on a
	// contended row. If the user already owns a machine it is
	// returned unchanged, so concurrent claims for one user can never
	// consume two spares.
	ClaimFree(ctx context.Context, userID string) (*types.Machine, error)

	// CountFree returns the number of unassigned machines.
	CountFree(ctx context.Context) (int, error)

	// Insert stores a newly provisioned machine.
	Insert(ctx context.Context, machine *types.Machine) error

	// Remove deletes the machine record. Returns ErrNotFound if absent.
	Remove(ctx context.Context, id string) error

	// SetExpiry replaces the machine's lease expiry. Returns
	// ErrNotFound if absent.
	SetExpiry(ctx context.Context, id string, expiresAt time.Time) error

	// List returns all machines.
	List(ctx context.Context) ([]*types.Machine, error)

	// ListExpired returns assigned machines whose expiry is at or
	// before now. Unassigned machines and machines without an expiry
	// are never returned.
	ListExpired(ctx context.Context, now time.Time) ([]*types.Machine, error)

	Close() error
}
