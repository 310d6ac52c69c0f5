package core

import (
	"context"
	"fmt"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/projecteru2/corral/broker"
	"github.com/projecteru2/corral/config"
	"github.com/projecteru2/corral/driver"
	"github.com/projecteru2/corral/driver/hetzner"
	"github.com/projecteru2/corral/driver/manual"
	"github.com/projecteru2/corral/driver/noop"
	"github.com/projecteru2/corral/driver/privcloud"
	"github.com/projecteru2/corral/events"
	"github.com/projecteru2/corral/probe"
	"github.com/projecteru2/corral/repository"
	"github.com/projecteru2/corral/repository/sqlite"
	"github.com/projecteru2/corral/types"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// InitDriver creates the infrastructure driver selected by conf.Iaas.
func InitDriver(conf *config.Config) (driver.Driver, error) {
	switch conf.Iaas {
	case "manual":
		return manual.New(conf), nil
	case "hetzner":
		return hetzner.New(conf), nil
	case "privcloud":
		return privcloud.New(conf), nil
	case "noop":
		return noop.New(conf), nil
	default:
		return nil, fmt.Errorf("unknown iaas driver: %s", conf.Iaas)
	}
}

// InitRepo opens the machine repository database, creating data
// directories as needed.
func InitRepo(conf *config.Config) (repository.Repository, error) {
	if err := conf.EnsureDirs(); err != nil {
		return nil, err
	}
	repo, err := sqlite.Open(conf.DBFile(), conf.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	return repo, nil
}

// InitBroker wires driver, repository, session probe and the optional
// event publisher into a Broker. The returned close func releases all
// of them and is safe to defer immediately.
func InitBroker(conf *config.Config) (*broker.Broker, func(), error) {
	drv, err := InitDriver(conf)
	if err != nil {
		return nil, nil, err
	}
	repo, err := InitRepo(conf)
	if err != nil {
		return nil, nil, err
	}

	var sink broker.EventSink
	var pub *events.Publisher
	if conf.NATSURL != "" {
		pub, err = events.New(conf.NATSURL)
		if err != nil {
			_ = repo.Close()
			return nil, nil, fmt.Errorf("connect event bus: %w", err)
		}
		sink = pub
	}

	b, err := broker.New(conf, drv, repo, probe.New(conf.ProbeTimeout()), sink)
	if err != nil {
		if pub != nil {
			pub.Close()
		}
		_ = repo.Close()
		return nil, nil, err
	}

	closeFn := func() {
		b.Close()
		if pub != nil {
			pub.Close()
		}
		_ = repo.Close()
	}
	return b, closeFn, nil
}

// FormatExpiry renders a machine's lease for table output.
func FormatExpiry(machine *types.Machine, now time.Time) string {
	if machine.ExpiresAt == nil {
		return "-"
	}
	if machine.Expired(now) {
		return "expired"
	}
	return units.HumanDuration(machine.ExpiresAt.Sub(now)) + " left"
}

// FormatOwner renders the assignment column, "-" when free.
func FormatOwner(machine *types.Machine) string {
	if !machine.Assigned() {
		return "-"
	}
	return machine.UserID
}
