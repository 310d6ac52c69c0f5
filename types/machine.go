package types

import "time"

// Machine is a leased compute resource tracked by the repository.
// A machine with an empty UserID is a pool spare, claimable by anyone;
// a machine with a UserID belongs to exactly one user until reclaimed.
type Machine struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Driver string `json:"driver"` // driver type tag, fixed for the machine's lifetime
	Addr   string `json:"addr"`   // network address of the guest

	// Credentials for the remote session.
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	Domain   string `json:"domain,omitempty"`

	// UserID is the owning user, empty while the machine is a spare.
	UserID string `json:"user_id,omitempty"`

	// ExpiresAt is the lease expiry. Nil while unassigned; set and
	// extended by session events once the machine is claimed.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// AgentPort is the TCP port of the in-guest agent used for
	// session probing.
	AgentPort int `json:"agent_port"`

	CreatedAt time.Time `json:"created_at"`
}

// Assigned reports whether the machine currently belongs to a user.
func (m *Machine) Assigned() bool { return m.UserID != "" }

// Expired reports whether the lease has lapsed at the given instant.
// A machine without an expiry never expires.
func (m *Machine) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}

// MachineSpec describes the resources requested from a driver for a
// new machine. Backends are free to ignore fields they cannot honour.
type MachineSpec struct {
	Name      string `json:"name"`
	AgentPort int    `json:"agent_port"`
}

// ServerStatus is the backend-reported state of the resource backing a
// machine. Display only — lease decisions never consult it.
type ServerStatus string

const (
	ServerRunning ServerStatus = "running"
	ServerStopped ServerStatus = "stopped"
	ServerError   ServerStatus = "error"
	ServerUnknown ServerStatus = "unknown"
)
