package flock

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"

	"github.com/projecteru2/corral/lock"
)

// pollInterval is how often a blocking Lock retries the underlying flock.
const pollInterval = 100 * time.Millisecond

var _ lock.Locker = (*RunLock)(nil)

// RunLock guards a broker instance against concurrent copies on the
// same host. The serve command holds one for its whole lifetime so a
// single sweeper and reconciler control the pool. Goroutines in the
// same process are serialized through a size-1 channel, which keeps
// Lock context-aware; other processes are fenced with flock(2). A
// fresh fd is opened per acquisition so repeated use of one RunLock
// behaves the same as separate processes would.
type RunLock struct {
	path string
	sem  chan struct{}
	held *flock.Flock
}

// New creates a RunLock backed by the file at path.
func New(path string) *RunLock {
	return &RunLock{path: path, sem: make(chan struct{}, 1)}
}

// Lock blocks until the lock is acquired or ctx is cancelled.
func (l *RunLock) Lock(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("lock %s: %w", l.path, ctx.Err())
	}
	ok, err := l.acquire(func(fl *flock.Flock) (bool, error) {
		return fl.TryLockContext(ctx, pollInterval)
	})
	if err != nil {
		return fmt.Errorf("lock %s: %w", l.path, err)
	}
	if !ok {
		return fmt.Errorf("lock %s: %w", l.path, ctx.Err())
	}
	return nil
}

// TryLock attempts acquisition without blocking. It reports false with
// a nil error when another holder has the lock.
func (l *RunLock) TryLock(context.Context) (bool, error) {
	select {
	case l.sem <- struct{}{}:
	default:
		return false, nil
	}
	return l.acquire((*flock.Flock).TryLock)
}

// Unlock releases the lock. Safe to call when not held.
func (l *RunLock) Unlock(context.Context) error {
	var err error
	if l.held != nil {
		err = l.held.Unlock()
		l.held = nil
	}
	select {
	case <-l.sem:
	default:
	}
	if err != nil {
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return nil
}

// acquire runs fn against a fresh fd. The in-process token must already
// be held; it is returned whenever the flock itself is not taken, so
// every Lock/TryLock pairs with exactly one Unlock.
func (l *RunLock) acquire(fn func(*flock.Flock) (bool, error)) (bool, error) {
	fl := flock.New(l.path)
	taken, err := fn(fl)
	if err != nil || !taken {
		<-l.sem
		return false, err
	}
	l.held = fl
	return true, nil
}
