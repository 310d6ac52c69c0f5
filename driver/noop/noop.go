package noop

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/projecteru2/corral/config"
	"github.com/projecteru2/corral/driver"
	"github.com/projecteru2/corral/types"
)

const typ = "noop"

// compile-time interface check.
var _ driver.Driver = (*Noop)(nil)

// Noop is a test backend: machines materialise instantly with a
// loopback address and are tracked in memory so Status and Destroy
// behave realistically.
type Noop struct {
	conf *config.Config

	mu    sync.Mutex
	alive map[string]struct{}
}

// New creates a Noop backend.
func New(conf *config.Config) *Noop {
	return &Noop{conf: conf, alive: make(map[string]struct{})}
}

func (n *Noop) Type() string { return typ }

func (n *Noop) Init(_ context.Context) error { return nil }

func (n *Noop) Create(_ context.Context, spec types.MachineSpec) (*types.Machine, error) {
	id := uuid.NewString()
	n.mu.Lock()
	n.alive[id] = struct{}{}
	n.mu.Unlock()
	return &types.Machine{
		ID:        id,
		Name:      spec.Name,
		Driver:    typ,
		Addr:      "127.0.0.1",
		Username:  "corral",
		AgentPort: spec.AgentPort,
	}, nil
}

func (n *Noop) Destroy(_ context.Context, machine *types.Machine) error {
	n.mu.Lock()
	delete(n.alive, machine.ID)
	n.mu.Unlock()
	return nil
}

func (n *Noop) Status(_ context.Context, machine *types.Machine) (types.ServerStatus, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.alive[machine.ID]; ok {
		return types.ServerRunning, nil
	}
	return types.ServerUnknown, fmt.Errorf("machine %s not tracked", machine.ID)
}
