package manual

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/corral/config"
	"github.com/projecteru2/corral/driver"
	"github.com/projecteru2/corral/types"
)

const typ = "manual"

// compile-time interface check.
var _ driver.Driver = (*Manual)(nil)

// Manual serves machines from a static inventory declared in config.
// Create hands out the next unused entry; Destroy returns the entry to
// the inventory so it can be handed out again. Nothing is provisioned
// or torn down for real.
type Manual struct {
	conf *config.Config

	mu sync.Mutex
	// used maps inventory entry name → machine ID currently occupying it.
	used map[string]string
}

// New creates a Manual backend.
func New(conf *config.Config) *Manual {
	return &Manual{conf: conf, used: make(map[string]string)}
}

func (m *Manual) Type() string { return typ }

// Init validates the inventory.
func (m *Manual) Init(ctx context.Context) error {
	if len(m.conf.Manual) == 0 {
		return fmt.Errorf("manual driver: empty inventory")
	}
	seen := make(map[string]struct{}, len(m.conf.Manual))
	for _, entry := range m.conf.Manual {
		if entry.Name == "" || entry.Addr == "" {
			return fmt.Errorf("manual driver: inventory entry needs name and addr")
		}
		if _, dup := seen[entry.Name]; dup {
			return fmt.Errorf("manual driver: duplicate inventory entry %q", entry.Name)
		}
		seen[entry.Name] = struct{}{}
	}
	log.WithFunc("manual.Init").Infof(ctx, "manual inventory loaded: %d machines", len(m.conf.Manual))
	return nil
}

// Create hands out the next unused inventory entry.
func (m *Manual) Create(_ context.Context, spec types.MachineSpec) (*types.Machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.conf.Manual {
		if _, taken := m.used[entry.Name]; taken {
			continue
		}
		agentPort := entry.AgentPort
		if agentPort == 0 {
			agentPort = spec.AgentPort
		}
		machine := &types.Machine{
			ID:        uuid.NewString(),
			Name:      entry.Name,
			Driver:    typ,
			Addr:      entry.Addr,
			Username:  entry.Username,
			Password:  entry.Password,
			Domain:    entry.Domain,
			AgentPort: agentPort,
		}
		m.used[entry.Name] = machine.ID
		return machine, nil
	}
	return nil, fmt.Errorf("%w: manual inventory exhausted", driver.ErrProvisionFailed)
}

// Destroy returns the machine's inventory entry to the free set.
func (m *Manual) Destroy(_ context.Context, machine *types.Machine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.used[machine.Name] == machine.ID {
		delete(m.used, machine.Name)
	}
	return nil
}

// Status reports running for any machine still in the inventory.
func (m *Manual) Status(_ context.Context, machine *types.Machine) (types.ServerStatus, error) {
	for _, entry := range m.conf.Manual {
		if entry.Name == machine.Name {
			return types.ServerRunning, nil
		}
	}
	return types.ServerUnknown, fmt.Errorf("machine %s not in inventory", machine.Name)
}
