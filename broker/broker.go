package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/projecteru2/core/log"
	"golang.org/x/sync/singleflight"

	"github.com/projecteru2/corral/config"
	"github.com/projecteru2/corral/driver"
	"github.com/projecteru2/corral/repository"
	"github.com/projecteru2/corral/types"
)

// Prober is the session-liveness client consulted before reclamation.
type Prober interface {
	Sessions(ctx context.Context, machine *types.Machine) ([]*types.Session, error)
}

// EventSink receives machine lifecycle events. Implemented by the NATS
// publisher; nil disables publishing.
type EventSink interface {
	Publish(ctx context.Context, subject string, event any) error
}

// Broker owns the machine pool: it keeps the pool at the configured
// size, assigns machines to users exactly once, tracks lease expiry
// and reclaims idle expired machines. All process-wide state lives on
// this object, constructed once at startup and passed by reference.
type Broker struct {
	conf   *config.Config
	driver driver.Driver
	repo   repository.Repository
	prober Prober
	events EventSink

	pool     *ants.Pool
	inflight *inFlight
	claims   singleflight.Group

	// reconcileMu serializes the deficit computation and the in-flight
	// registration of one reconciliation pass, so overlapping passes
	// never double-count the same gap.
	reconcileMu sync.Mutex

	mu          sync.Mutex
	initialized bool

	// now is the time source; replaced in tests.
	now func() time.Time
}

// New creates a Broker. events may be nil.
func New(conf *config.Config, drv driver.Driver, repo repository.Repository, prober Prober, events EventSink) (*Broker, error) {
	pool, err := ants.NewPool(conf.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("create ants pool: %w", err)
	}
	return &Broker{
		conf:     conf,
		driver:   drv,
		repo:     repo,
		prober:   prober,
		events:   events,
		pool:     pool,
		inflight: &inFlight{},
		now:      time.Now,
	}, nil
}

// Init performs the exactly-once driver initialization and seeds the
// pool. A second call fails with driver.ErrAlreadyInitialized and does
// not re-seed.
func (b *Broker) Init(ctx context.Context) error {
	b.mu.Lock()
	if b.initialized {
		b.mu.Unlock()
		return driver.ErrAlreadyInitialized
	}
	b.initialized = true
	b.mu.Unlock()

	if err := b.driver.Init(ctx); err != nil {
		b.mu.Lock()
		b.initialized = false
		b.mu.Unlock()
		return fmt.Errorf("init %s driver: %w", b.driver.Type(), err)
	}
	log.WithFunc("broker.Init").Infof(ctx, "driver %s initialized, seeding pool to %d", b.driver.Type(), b.conf.MachinePoolSize)
	return b.Reconcile(ctx)
}

// ready reports whether Init has completed.
func (b *Broker) ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized
}

// InFlight returns the number of unsettled creation operations.
func (b *Broker) InFlight() int { return b.inflight.Count() }

// FreeCount returns the number of unassigned spares.
func (b *Broker) FreeCount(ctx context.Context) (int, error) {
	return b.repo.CountFree(ctx)
}

// Machines returns all machine records.
func (b *Broker) Machines(ctx context.Context) ([]*types.Machine, error) {
	return b.repo.List(ctx)
}

// Machine returns one machine record by ID.
func (b *Broker) Machine(ctx context.Context, id string) (*types.Machine, error) {
	return b.repo.Get(ctx, id)
}

// Status returns the backend-reported state of a machine's resource,
// for display only.
func (b *Broker) Status(ctx context.Context, id string) (types.ServerStatus, error) {
	machine, err := b.repo.Get(ctx, id)
	if err != nil {
		return types.ServerUnknown, err
	}
	return b.driver.Status(ctx, machine)
}

// Destroy removes the machine record and tears down the backing
// resource. The record goes first: a teardown failure leaves an
// orphaned resource for an external sweep, never a phantom record.
func (b *Broker) Destroy(ctx context.Context, id string) error {
	machine, err := b.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := b.repo.Remove(ctx, id); err != nil {
		return err
	}
	if err := b.driver.Destroy(ctx, machine); err != nil {
		return fmt.Errorf("destroy machine %s: %w", id, err)
	}
	b.publish(ctx, "machines.destroyed", machine)
	return nil
}

// Run drives the background loops until ctx is cancelled: the lease
// reclamation sweep and the periodic pool reconciliation.
func (b *Broker) Run(ctx context.Context) error {
	logger := log.WithFunc("broker.Run")
	sweep := time.NewTicker(b.conf.SweepInterval())
	defer sweep.Stop()
	reconcile := time.NewTicker(b.conf.ReconcileInterval())
	defer reconcile.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			if err := b.Sweep(ctx); err != nil {
				logger.Warnf(ctx, "sweep pass: %v", err)
			}
		case <-reconcile.C:
			if err := b.Reconcile(ctx); err != nil {
				logger.Warnf(ctx, "reconcile pass: %v", err)
			}
		}
	}
}

// Close releases the ants goroutine pool.
func (b *Broker) Close() {
	if b.pool != nil {
		b.pool.Release()
	}
}

// publish sends a lifecycle event if a sink is configured. Publish
// failures are logged, never propagated: events are advisory.
func (b *Broker) publish(ctx context.Context, subject string, machine *types.Machine) {
	if b.events == nil {
		return
	}
	event := map[string]any{
		"machine_id": machine.ID,
		"name":       machine.Name,
		"driver":     machine.Driver,
		"user_id":    machine.UserID,
		"time":       b.now().Unix(),
	}
	if err := b.events.Publish(ctx, subject, event); err != nil {
		log.WithFunc("broker.publish").Warnf(ctx, "publish %s for %s: %v", subject, machine.ID, err)
	}
}
