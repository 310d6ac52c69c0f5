package broker

import "sync"

// inFlight counts machine creations dispatched to the driver but not
// yet settled. Process-local advisory state only: it keeps one
// reconciliation pass from re-ordering machines another pass is
// already creating, it is not a cross-replica correctness mechanism.
type inFlight struct {
	mu sync.Mutex
	n  int
}

// Grow registers delta pending creations.
func (f *inFlight) Grow(delta int) {
	f.mu.Lock()
	f.n += delta
	f.mu.Unlock()
}

// Done settles one creation, success or failure.
func (f *inFlight) Done() {
	f.mu.Lock()
	f.n--
	f.mu.Unlock()
}

// Count returns the number of unsettled creations.
func (f *inFlight) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}
