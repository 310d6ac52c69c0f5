package hetzner

import (
	"context"
	"fmt"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/corral/config"
	"github.com/projecteru2/corral/driver"
	"github.com/projecteru2/corral/types"
)

const typ = "hetzner"

// compile-time interface check.
var _ driver.Driver = (*Hetzner)(nil)

// Hetzner provisions machines on Hetzner Cloud. The hcloud server name
// doubles as the lookup key for Destroy and Status, so machine names
// must stay unique (the reconciler appends a random suffix).
type Hetzner struct {
	conf   *config.Config
	client *hcloud.Client
}

// New creates a Hetzner backend.
func New(conf *config.Config) *Hetzner {
	return &Hetzner{
		conf:   conf,
		client: hcloud.NewClient(hcloud.WithToken(conf.Hetzner.Token)),
	}
}

func (h *Hetzner) Type() string { return typ }

// Init validates credentials with a cheap read call.
func (h *Hetzner) Init(ctx context.Context) error {
	if h.conf.Hetzner.Token == "" {
		return fmt.Errorf("hetzner driver: token not configured")
	}
	if h.conf.Hetzner.ServerType == "" || h.conf.Hetzner.Image == "" {
		return fmt.Errorf("hetzner driver: server_type and image required")
	}
	locations, err := h.client.Location.All(ctx)
	if err != nil {
		return fmt.Errorf("hetzner driver: connectivity check: %w", err)
	}
	log.WithFunc("hetzner.Init").Infof(ctx, "hetzner API reachable, %d locations", len(locations))
	return nil
}

// Create provisions a server and blocks until the create action has
// settled, so the returned machine carries a routable address.
func (h *Hetzner) Create(ctx context.Context, spec types.MachineSpec) (*types.Machine, error) {
	opts := hcloud.ServerCreateOpts{
		Name:       spec.Name,
		ServerType: &hcloud.ServerType{Name: h.conf.Hetzner.ServerType},
		Image:      &hcloud.Image{Name: h.conf.Hetzner.Image},
	}
	if h.conf.Hetzner.Location != "" {
		opts.Location = &hcloud.Location{Name: h.conf.Hetzner.Location}
	}

	result, _, err := h.client.Server.Create(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %s", driver.ErrProvisionFailed, spec.Name, err)
	}
	if err := h.client.Action.WaitFor(ctx, result.Action); err != nil {
		return nil, fmt.Errorf("%w: wait for %s: %s", driver.ErrProvisionFailed, spec.Name, err)
	}

	return &types.Machine{
		ID:        fmt.Sprintf("%d", result.Server.ID),
		Name:      spec.Name,
		Driver:    typ,
		Addr:      result.Server.PublicNet.IPv4.IP.String(),
		Username:  "root",
		Password:  result.RootPassword,
		AgentPort: spec.AgentPort,
	}, nil
}

// Destroy deletes the server by name; a server that is already gone is
// success.
func (h *Hetzner) Destroy(ctx context.Context, machine *types.Machine) error {
	server, _, err := h.client.Server.GetByName(ctx, machine.Name)
	if err != nil {
		return fmt.Errorf("%w: lookup %s: %s", driver.ErrDestroyFailed, machine.Name, err)
	}
	if server == nil {
		log.WithFunc("hetzner.Destroy").Infof(ctx, "server %s already gone", machine.Name)
		return nil
	}
	if _, _, err := h.client.Server.DeleteWithResult(ctx, server); err != nil {
		return fmt.Errorf("%w: delete %s: %s", driver.ErrDestroyFailed, machine.Name, err)
	}
	return nil
}

// Status maps the hcloud server state onto the display status.
func (h *Hetzner) Status(ctx context.Context, machine *types.Machine) (types.ServerStatus, error) {
	server, _, err := h.client.Server.GetByName(ctx, machine.Name)
	if err != nil {
		return types.ServerUnknown, fmt.Errorf("lookup %s: %w", machine.Name, err)
	}
	if server == nil {
		return types.ServerUnknown, nil
	}
	switch server.Status {
	case hcloud.ServerStatusRunning:
		return types.ServerRunning, nil
	case hcloud.ServerStatusOff, hcloud.ServerStatusStopping:
		return types.ServerStopped, nil
	default:
		return types.ServerUnknown, nil
	}
}
