package privcloud

import (
	"context"
	"fmt"
	"net/http"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/corral/config"
	"github.com/projecteru2/corral/driver"
	"github.com/projecteru2/corral/driver/httpapi"
	"github.com/projecteru2/corral/types"
)

const typ = "privcloud"

// compile-time interface check.
var _ driver.Driver = (*PrivCloud)(nil)

// serverPayload is the wire form of a machine on the private-cloud
// provisioning agent.
type serverPayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Addr     string `json:"addr"`
	Username string `json:"username"`
	Password string `json:"password"`
	Domain   string `json:"domain"`
	Status   string `json:"status"`
}

// PrivCloud provisions machines through the in-house cloud's REST
// agent. Transient API failures are retried with backoff; permanent
// failures surface to the reconciler.
type PrivCloud struct {
	conf   *config.Config
	client *httpapi.Client
}

// New creates a PrivCloud backend.
func New(conf *config.Config) *PrivCloud {
	return &PrivCloud{
		conf:   conf,
		client: httpapi.New(conf.PrivCloud.Endpoint, conf.PrivCloud.Token),
	}
}

func (p *PrivCloud) Type() string { return typ }

// Init checks the agent health endpoint.
func (p *PrivCloud) Init(ctx context.Context) error {
	if p.conf.PrivCloud.Endpoint == "" {
		return fmt.Errorf("privcloud driver: endpoint not configured")
	}
	if err := p.client.Do(ctx, http.MethodGet, "/healthz", nil, nil); err != nil {
		return fmt.Errorf("privcloud driver: health check: %w", err)
	}
	log.WithFunc("privcloud.Init").Infof(ctx, "provisioning agent reachable: %s", p.conf.PrivCloud.Endpoint)
	return nil
}

// Create asks the agent for one new server and blocks until the agent
// responds with a routable address.
func (p *PrivCloud) Create(ctx context.Context, spec types.MachineSpec) (*types.Machine, error) {
	req := map[string]any{"name": spec.Name}
	var resp serverPayload
	err := httpapi.DoWithRetry(ctx, func() error {
		return p.client.Do(ctx, http.MethodPost, "/servers", req, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %s", driver.ErrProvisionFailed, spec.Name, err)
	}
	return &types.Machine{
		ID:        resp.ID,
		Name:      spec.Name,
		Driver:    typ,
		Addr:      resp.Addr,
		Username:  resp.Username,
		Password:  resp.Password,
		Domain:    resp.Domain,
		AgentPort: spec.AgentPort,
	}, nil
}

// Destroy tears down the server; 404 from the agent is success.
func (p *PrivCloud) Destroy(ctx context.Context, machine *types.Machine) error {
	err := httpapi.DoWithRetry(ctx, func() error {
		return p.client.Do(ctx, http.MethodDelete, "/servers/"+machine.ID, nil, nil)
	})
	if err != nil {
		if httpapi.IsNotFound(err) {
			log.WithFunc("privcloud.Destroy").Infof(ctx, "server %s already gone", machine.ID)
			return nil
		}
		return fmt.Errorf("%w: delete %s: %s", driver.ErrDestroyFailed, machine.ID, err)
	}
	return nil
}

// Status fetches the agent-reported server state.
func (p *PrivCloud) Status(ctx context.Context, machine *types.Machine) (types.ServerStatus, error) {
	var resp serverPayload
	if err := p.client.Do(ctx, http.MethodGet, "/servers/"+machine.ID, nil, &resp); err != nil {
		if httpapi.IsNotFound(err) {
			return types.ServerUnknown, nil
		}
		return types.ServerUnknown, fmt.Errorf("get %s: %w", machine.ID, err)
	}
	switch resp.Status {
	case "running":
		return types.ServerRunning, nil
	case "stopped":
		return types.ServerStopped, nil
	case "error":
		return types.ServerError, nil
	default:
		return types.ServerUnknown, nil
	}
}
