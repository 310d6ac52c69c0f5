package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/projecteru2/corral/config"
	"github.com/projecteru2/corral/driver"
	"github.com/projecteru2/corral/repository"
	"github.com/projecteru2/corral/repository/memory"
	"github.com/projecteru2/corral/types"
)

// fakeDriver is an in-memory backend with programmable failures.
type fakeDriver struct {
	mu        sync.Mutex
	initCalls int
	initErr   error
	createErr error
	created   int
	destroyed []string
}

func (d *fakeDriver) Type() string { return "fake" }

func (d *fakeDriver) Init(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initCalls++
	return d.initErr
}

func (d *fakeDriver) Create(_ context.Context, spec types.MachineSpec) (*types.Machine, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return nil, d.createErr
	}
	d.created++
	return &types.Machine{
		ID:        uuid.NewString(),
		Name:      spec.Name,
		Driver:    "fake",
		Addr:      "10.0.0.1",
		Username:  "tester",
		AgentPort: spec.AgentPort,
	}, nil
}

func (d *fakeDriver) Destroy(_ context.Context, machine *types.Machine) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = append(d.destroyed, machine.ID)
	return nil
}

func (d *fakeDriver) Status(context.Context, *types.Machine) (types.ServerStatus, error) {
	return types.ServerRunning, nil
}

func (d *fakeDriver) destroyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.destroyed)
}

// fakeProber returns canned sessions or an error.
type fakeProber struct {
	sessions []*types.Session
	err      error
}

func (p *fakeProber) Sessions(context.Context, *types.Machine) ([]*types.Session, error) {
	return p.sessions, p.err
}

// recordingSink captures published subjects.
type recordingSink struct {
	mu       sync.Mutex
	subjects []string
}

func (s *recordingSink) Publish(_ context.Context, subject string, _ any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects = append(s.subjects, subject)
	return nil
}

func (s *recordingSink) has(subject string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, got := range s.subjects {
		if got == subject {
			return true
		}
	}
	return false
}

func testConfig(poolSize int) *config.Config {
	conf := config.DefaultConfig()
	conf.MachinePoolSize = poolSize
	conf.PoolSize = 4
	return conf
}

func newTestBroker(t *testing.T, poolSize int) (*Broker, *fakeDriver, *fakeProber, *recordingSink) {
	t.Helper()
	drv := &fakeDriver{}
	prober := &fakeProber{}
	sink := &recordingSink{}
	b, err := New(testConfig(poolSize), drv, memory.New(), prober, sink)
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	t.Cleanup(b.Close)
	return b, drv, prober, sink
}

// fakeClock is a mutable time source safe against the asynchronous
// backfill goroutines reading it.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// waitFor polls until cond succeeds or the deadline passes. Needed
// because claims trigger asynchronous backfill.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestInitSeedsPool(t *testing.T) {
	ctx := context.Background()
	b, drv, _, _ := newTestBroker(t, 3)

	if err := b.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	free, err := b.FreeCount(ctx)
	if err != nil {
		t.Fatalf("free count: %v", err)
	}
	if free != 3 {
		t.Fatalf("free = %d, want 3", free)
	}
	if drv.initCalls != 1 {
		t.Fatalf("driver init called %d times, want 1", drv.initCalls)
	}
}

func TestInitExactlyOnce(t *testing.T) {
	ctx := context.Background()
	b, drv, _, _ := newTestBroker(t, 1)

	if err := b.Init(ctx); err != nil {
		t.Fatalf("first init: %v", err)
	}
	if err := b.Init(ctx); !errors.Is(err, driver.ErrAlreadyInitialized) {
		t.Fatalf("second init error = %v, want ErrAlreadyInitialized", err)
	}
	if drv.initCalls != 1 {
		t.Fatalf("driver init called %d times, want 1", drv.initCalls)
	}
}

func TestInitFailureAllowsRetry(t *testing.T) {
	ctx := context.Background()
	b, drv, _, _ := newTestBroker(t, 1)
	drv.initErr = errors.New("backend down")

	if err := b.Init(ctx); err == nil {
		t.Fatal("init should fail while the backend is down")
	}
	drv.initErr = nil
	if err := b.Init(ctx); err != nil {
		t.Fatalf("retry init: %v", err)
	}
}

func TestReconcileTopsUpAfterClaims(t *testing.T) {
	ctx := context.Background()
	b, _, _, _ := newTestBroker(t, 2)
	if err := b.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	if _, err := b.MachineForUser(ctx, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Backfill replaces the consumed spare.
	waitFor(t, "pool to settle at 2 spares", func() bool {
		free, err := b.FreeCount(ctx)
		return err == nil && free == 2 && b.InFlight() == 0
	})

	machines, err := b.Machines(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(machines) != 3 {
		t.Fatalf("machines = %d, want 3 (1 assigned + 2 spare)", len(machines))
	}
}

func TestReconcileIdleAtDesiredSize(t *testing.T) {
	ctx := context.Background()
	b, drv, _, _ := newTestBroker(t, 2)
	if err := b.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	created := drv.created
	if err := b.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if drv.created != created {
		t.Fatalf("reconcile created %d machines at desired size", drv.created-created)
	}
}

func TestReconcileSurfacesCreateFailures(t *testing.T) {
	ctx := context.Background()
	b, drv, _, _ := newTestBroker(t, 2)
	drv.createErr = fmt.Errorf("%w: quota", driver.ErrProvisionFailed)

	if err := b.Init(ctx); err == nil {
		t.Fatal("init should surface seeding failures")
	}
	if b.InFlight() != 0 {
		t.Fatalf("inflight = %d after settled pass, want 0", b.InFlight())
	}
}

func TestMachineForUserIdempotent(t *testing.T) {
	ctx := context.Background()
	b, _, _, sink := newTestBroker(t, 2)
	if err := b.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	first, err := b.MachineForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	second, err := b.MachineForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("repeat claim got %s, want %s", second.ID, first.ID)
	}
	if first.ExpiresAt == nil {
		t.Fatal("claimed machine should carry an initial lease")
	}
	if !sink.has("machines.assigned") {
		t.Fatal("assignment event not published")
	}
}

func TestMachineForUserDistinctUsers(t *testing.T) {
	ctx := context.Background()
	b, _, _, _ := newTestBroker(t, 4)
	if err := b.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	users := []string{"alice", "bob", "carol"}
	seen := make(map[string]string)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, user := range users {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			machine, err := b.MachineForUser(ctx, user)
			if err != nil {
				t.Errorf("claim %s: %v", user, err)
				return
			}
			mu.Lock()
			seen[user] = machine.ID
			mu.Unlock()
		}(user)
	}
	wg.Wait()

	ids := make(map[string]bool)
	for user, id := range seen {
		if ids[id] {
			t.Fatalf("machine %s assigned to two users (second: %s)", id, user)
		}
		ids[id] = true
	}
}

func TestMachineForUserStarvation(t *testing.T) {
	ctx := context.Background()
	b, _, _, _ := newTestBroker(t, 0)
	if err := b.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := b.MachineForUser(ctx, "alice"); !errors.Is(err, repository.ErrNoMachineFound) {
		t.Fatalf("starved claim error = %v, want ErrNoMachineFound", err)
	}
}

func TestMachineForUserGuards(t *testing.T) {
	ctx := context.Background()
	b, _, _, _ := newTestBroker(t, 1)

	if _, err := b.MachineForUser(ctx, "alice"); !errors.Is(err, driver.ErrNotInitialized) {
		t.Fatalf("pre-init claim error = %v, want ErrNotInitialized", err)
	}
	if err := b.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := b.MachineForUser(ctx, ""); err == nil {
		t.Fatal("empty user id should be rejected")
	}
}

func TestRenewMovesExpiryForward(t *testing.T) {
	ctx := context.Background()
	b, _, _, _ := newTestBroker(t, 1)
	if err := b.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	b.now = clock.Now

	machine, err := b.MachineForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	wantFirst := base.Add(b.conf.SessionDuration())
	if !machine.ExpiresAt.Equal(wantFirst) {
		t.Fatalf("initial expiry = %v, want %v", machine.ExpiresAt, wantFirst)
	}

	clock.Set(base.Add(10 * time.Minute))
	if err := b.SessionOpen(ctx, "alice"); err != nil {
		t.Fatalf("session open: %v", err)
	}
	got, err := b.Machine(ctx, machine.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := base.Add(10 * time.Minute).Add(b.conf.SessionDuration())
	if !got.ExpiresAt.Equal(want) {
		t.Fatalf("renewed expiry = %v, want %v", got.ExpiresAt, want)
	}
}

func TestRenewUnknownUser(t *testing.T) {
	ctx := context.Background()
	b, _, _, _ := newTestBroker(t, 0)
	if err := b.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := b.SessionEnded(ctx, "nobody"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("renew for unknown user = %v, want ErrNotFound", err)
	}
}

// sweepFixture claims one machine for alice and advances the clock
// past the lease.
func sweepFixture(t *testing.T, b *Broker) *types.Machine {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	b.now = clock.Now
	if err := b.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	machine, err := b.MachineForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	clock.Set(base.Add(b.conf.SessionDuration() + time.Minute))
	return machine
}

func TestSweepReclaimsIdleExpired(t *testing.T) {
	ctx := context.Background()
	b, drv, prober, sink := newTestBroker(t, 1)
	machine := sweepFixture(t, b)
	prober.sessions = []*types.Session{{ID: "1", Username: "alice", State: "Disconnected"}}

	if err := b.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := b.Machine(ctx, machine.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("reclaimed machine still present: %v", err)
	}
	waitFor(t, "driver teardown", func() bool { return drv.destroyCount() == 1 })
	if !sink.has("machines.reclaimed") {
		t.Fatal("reclaim event not published")
	}
}

func TestSweepKeepsActiveSession(t *testing.T) {
	ctx := context.Background()
	b, drv, prober, _ := newTestBroker(t, 1)
	machine := sweepFixture(t, b)
	prober.sessions = []*types.Session{{ID: "1", Username: "alice", State: types.SessionActive}}

	if err := b.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := b.Machine(ctx, machine.ID); err != nil {
		t.Fatalf("machine with active session was reclaimed: %v", err)
	}
	if drv.destroyCount() != 0 {
		t.Fatalf("destroyed %d machines with active sessions", drv.destroyCount())
	}
}

func TestSweepKeepsUnreachableMachine(t *testing.T) {
	ctx := context.Background()
	b, drv, prober, _ := newTestBroker(t, 1)
	machine := sweepFixture(t, b)
	prober.err = errors.New("agent unreachable")

	if err := b.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := b.Machine(ctx, machine.ID); err != nil {
		t.Fatalf("unreachable machine was reclaimed: %v", err)
	}
	if drv.destroyCount() != 0 {
		t.Fatal("unknown session state must never destroy a machine")
	}
}

func TestSweepSkipsRenewedLease(t *testing.T) {
	ctx := context.Background()
	b, drv, prober, _ := newTestBroker(t, 1)
	machine := sweepFixture(t, b)
	prober.sessions = nil

	// Renewal between the expiry listing and the reclaim re-check
	// must win; here the lease is renewed before the sweep even runs.
	if err := b.SessionOpen(ctx, "alice"); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if err := b.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := b.Machine(ctx, machine.ID); err != nil {
		t.Fatalf("renewed machine was reclaimed: %v", err)
	}
	if drv.destroyCount() != 0 {
		t.Fatal("renewed lease must not be reclaimed")
	}
}

func TestDestroyRemovesRecordFirst(t *testing.T) {
	ctx := context.Background()
	b, drv, _, _ := newTestBroker(t, 1)
	if err := b.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	machines, err := b.Machines(ctx)
	if err != nil || len(machines) != 1 {
		t.Fatalf("seed machines: %v (%d)", err, len(machines))
	}

	if err := b.Destroy(ctx, machines[0].ID); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := b.Machine(ctx, machines[0].ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("record still present after destroy: %v", err)
	}
	if drv.destroyCount() != 1 {
		t.Fatalf("driver destroy called %d times, want 1", drv.destroyCount())
	}
	if err := b.Destroy(ctx, machines[0].ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("double destroy error = %v, want ErrNotFound", err)
	}
}

func TestInFlightCounter(t *testing.T) {
	f := &inFlight{}
	f.Grow(3)
	if f.Count() != 3 {
		t.Fatalf("count = %d, want 3", f.Count())
	}
	f.Done()
	f.Done()
	if f.Count() != 1 {
		t.Fatalf("count = %d, want 1", f.Count())
	}
}
