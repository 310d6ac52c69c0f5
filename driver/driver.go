package driver

import (
	"context"
	"errors"

	"github.com/projecteru2/corral/types"
)

// Sentinel errors shared by all backends and matched with errors.Is.
var (
	// ErrNotInitialized is returned by broker entry points before
	// Init has completed.
	ErrNotInitialized = errors.New("driver not initialized")
	// ErrAlreadyInitialized is returned by a second Init call on the
	// same process.
	ErrAlreadyInitialized = errors.New("driver already initialized")
	// ErrProvisionFailed wraps backend creation failures.
	ErrProvisionFailed = errors.New("machine provisioning failed")
	// ErrDestroyFailed wraps backend teardown failures.
	ErrDestroyFailed = errors.New("machine destroy failed")
)

// Driver provisions and tears down the resources backing machines.
// Each backend (manual inventory, hetzner, privcloud, noop) implements
// this interface; the concrete backend is selected from config at
// startup.
type Driver interface {
	Type() string

	// Init performs one-time setup: credential validation and a
	// connectivity check. Called once per process by the broker.
	Init(ctx context.Context) error

	// Create provisions one new machine. May take seconds to minutes;
	// callers track in-flight operations themselves. Failures wrap
	// ErrProvisionFailed.
	Create(ctx context.Context, spec types.MachineSpec) (*types.Machine, error)

	// Destroy tears down the backing resource. Destroying a resource
	// that is already gone is success.
	Destroy(ctx context.Context, machine *types.Machine) error

	// Status returns the backend-reported state of the machine's
	// resource, for display only.
	Status(ctx context.Context, machine *types.Machine) (types.ServerStatus, error)
}
