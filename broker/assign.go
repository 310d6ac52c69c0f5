package broker

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/corral/driver"
	"github.com/projecteru2/corral/types"
)

// MachineForUser returns the user's machine, claiming a spare from the
// pool if the user has none. Idempotent: repeated calls return the
// same machine. On pool starvation the caller gets
// repository.ErrNoMachineFound and is expected to retry once the pool
// has grown — starvation never triggers growth beyond the backfill the
// reconciler already runs.
//
// Concurrent calls for the same user are coalesced in-process with
// singleflight; across replicas the repository's claim (unique user
// constraint, find inside the claim transaction) guarantees one
// machine per user regardless.
func (b *Broker) MachineForUser(ctx context.Context, userID string) (*types.Machine, error) {
	if !b.ready() {
		return nil, driver.ErrNotInitialized
	}
	if userID == "" {
		return nil, fmt.Errorf("empty user id")
	}

	v, err, _ := b.claims.Do(userID, func() (any, error) {
		return b.machineForUser(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Machine), nil
}

func (b *Broker) machineForUser(ctx context.Context, userID string) (*types.Machine, error) {
	logger := log.WithFunc("broker.MachineForUser")

	existing, err := b.repo.FindByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	machine, err := b.repo.ClaimFree(ctx, userID)
	if err != nil {
		return nil, err
	}
	logger.Infof(ctx, "machine %s (%s) assigned to user %s", machine.ID, machine.Name, userID)

	// Grant the initial lease at claim time so an assigned machine the
	// user never connects to still expires and gets reclaimed.
	expiresAt := b.now().Add(b.conf.SessionDuration())
	if err := b.repo.SetExpiry(ctx, machine.ID, expiresAt); err != nil {
		logger.Warnf(ctx, "set initial expiry for %s: %v", machine.ID, err)
	} else {
		machine.ExpiresAt = &expiresAt
	}

	b.publish(ctx, "machines.assigned", machine)
	b.backfill(ctx)
	return machine, nil
}
