package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/corral/driver"
	"github.com/projecteru2/corral/types"
)

// Reconcile runs one pool reconciliation pass: it compares the desired
// spare count against free plus in-flight machines and dispatches
// exactly the missing number of creations on the worker pool, blocking
// until they settle. The deficit is computed once per pass; overlapping
// passes see each other through the in-flight set and stay idle.
//
// Surplus spares are never destroyed here — the pool shrinks only
// through lease expiry.
func (b *Broker) Reconcile(ctx context.Context) error {
	if !b.ready() {
		return driver.ErrNotInitialized
	}
	logger := log.WithFunc("broker.Reconcile")

	b.reconcileMu.Lock()
	free, err := b.repo.CountFree(ctx)
	if err != nil {
		b.reconcileMu.Unlock()
		return fmt.Errorf("count free machines: %w", err)
	}
	deficit := b.conf.MachinePoolSize - free - b.inflight.Count()
	if deficit <= 0 {
		b.reconcileMu.Unlock()
		return nil
	}
	// Register the whole batch before releasing the lock so a
	// concurrent pass computes its deficit against these creations.
	b.inflight.Grow(deficit)
	b.reconcileMu.Unlock()

	logger.Infof(ctx, "pool deficit %d (desired %d, free %d), dispatching creations",
		deficit, b.conf.MachinePoolSize, free)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []string
	)
	for i := 0; i < deficit; i++ {
		wg.Add(1)
		submitErr := b.pool.Submit(func() {
			defer wg.Done()
			defer b.inflight.Done()
			if err := b.createOne(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err.Error())
				mu.Unlock()
			}
		})
		if submitErr != nil {
			wg.Done()
			b.inflight.Done()
			mu.Lock()
			errs = append(errs, fmt.Sprintf("submit creation: %v", submitErr))
			mu.Unlock()
		}
	}
	wg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("reconcile errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// createOne provisions a single machine and commits it to the
// repository. Failures are surfaced, not retried — the next pass
// recomputes the deficit and tries again.
func (b *Broker) createOne(ctx context.Context) error {
	logger := log.WithFunc("broker.createOne")

	name := fmt.Sprintf("%s-%s", b.conf.MachinesName, uuid.NewString()[:8])
	machine, err := b.driver.Create(ctx, types.MachineSpec{
		Name:      name,
		AgentPort: b.conf.AgentPort,
	})
	if err != nil {
		logger.Warnf(ctx, "create %s: %v", name, err)
		return fmt.Errorf("create %s: %w", name, err)
	}
	if machine.ID == "" {
		machine.ID = uuid.NewString()
	}
	machine.CreatedAt = b.now()
	if err := b.repo.Insert(ctx, machine); err != nil {
		// The resource exists but the record cannot; tear it down
		// rather than leaking an untracked machine.
		if derr := b.driver.Destroy(ctx, machine); derr != nil {
			logger.Warnf(ctx, "roll back untracked machine %s: %v", machine.ID, derr)
		}
		return fmt.Errorf("insert %s: %w", machine.ID, err)
	}
	logger.Infof(ctx, "machine %s (%s) joined the pool", machine.ID, machine.Name)
	b.publish(ctx, "machines.created", machine)
	return nil
}

// backfill triggers an asynchronous reconciliation after a claim
// consumed a spare. Fire and forget: the claimer never waits on pool
// growth.
func (b *Broker) backfill(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := b.Reconcile(ctx); err != nil {
			log.WithFunc("broker.backfill").Warnf(ctx, "backfill reconcile: %v", err)
		}
	}()
}
