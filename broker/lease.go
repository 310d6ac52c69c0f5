package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/corral/repository"
	"github.com/projecteru2/corral/types"
)

// SessionOpen renews the user's lease when a remote session connects.
func (b *Broker) SessionOpen(ctx context.Context, userID string) error {
	return b.renew(ctx, userID)
}

// SessionEnded renews the user's lease when a remote session closes,
// granting the grace window in which the machine survives for a
// reconnect.
func (b *Broker) SessionEnded(ctx context.Context, userID string) error {
	return b.renew(ctx, userID)
}

// renew sets the machine's expiry to now + sessionDuration. The last
// write wins: a renewal after a renewal simply moves the expiry
// forward, and the sweep re-reads the stored value at fire time, so no
// stale timer ever reclaims a renewed lease.
func (b *Broker) renew(ctx context.Context, userID string) error {
	machine, err := b.repo.FindByUser(ctx, userID)
	if err != nil {
		return err
	}
	if machine == nil {
		return fmt.Errorf("%w: user %s has no machine", repository.ErrNotFound, userID)
	}
	expiresAt := b.now().Add(b.conf.SessionDuration())
	if err := b.repo.SetExpiry(ctx, machine.ID, expiresAt); err != nil {
		return fmt.Errorf("renew lease for user %s: %w", userID, err)
	}
	log.WithFunc("broker.renew").Infof(ctx, "lease on %s renewed until %s for user %s",
		machine.ID, expiresAt.Format("15:04:05"), userID)
	return nil
}

// Sweep runs one reclamation pass: every assigned machine whose stored
// expiry has lapsed is probed, and destroyed only when no session is
// active. Each pass re-reads expiry and session state, so overlapping
// passes and late renewals are safe — a machine renewed after the
// expired-list read is skipped at the re-check.
func (b *Broker) Sweep(ctx context.Context) error {
	logger := log.WithFunc("broker.Sweep")

	now := b.now()
	expired, err := b.repo.ListExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("list expired machines: %w", err)
	}

	var errs []string
	for _, machine := range expired {
		if err := b.reclaim(ctx, machine.ID); err != nil {
			if errors.Is(err, errSkipReclaim) {
				continue
			}
			errs = append(errs, fmt.Sprintf("%s: %v", machine.ID, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("sweep errors: %s", strings.Join(errs, "; "))
	}
	logger.Infof(ctx, "sweep pass done: %d expired candidates", len(expired))
	return nil
}

// errSkipReclaim marks a machine left alone this pass (renewed, in
// use, or unknown); a later pass will look at it again.
var errSkipReclaim = errors.New("skip reclaim")

// reclaim re-validates one expiry candidate and destroys it when idle.
func (b *Broker) reclaim(ctx context.Context, id string) error {
	logger := log.WithFunc("broker.reclaim")

	// Re-read at fire time: a renewal since the sweep's list read
	// must win.
	machine, err := b.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errSkipReclaim // already reclaimed elsewhere
		}
		return err
	}
	if !machine.Assigned() || !machine.Expired(b.now()) {
		return errSkipReclaim
	}

	sessions, err := b.prober.Sessions(ctx, machine)
	if err != nil {
		// Unknown is not idle: keep the machine and let a later pass
		// retry rather than destroying something possibly in use.
		logger.Warnf(ctx, "probe %s (%s): %v, keeping machine", machine.ID, machine.Addr, err)
		return errSkipReclaim
	}
	if types.AnyActive(sessions) {
		logger.Infof(ctx, "machine %s expired but session active, keeping", machine.ID)
		return errSkipReclaim
	}

	logger.Infof(ctx, "reclaiming machine %s (user %s, expired %s)",
		machine.ID, machine.UserID, machine.ExpiresAt.Format("15:04:05"))
	if err := b.repo.Remove(ctx, machine.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errSkipReclaim
		}
		return err
	}
	if err := b.driver.Destroy(ctx, machine); err != nil {
		// Record is gone; the backing resource may be orphaned and
		// needs the external reconciliation sweep.
		return err
	}
	b.publish(ctx, "machines.reclaimed", machine)
	return nil
}
