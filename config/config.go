package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	coretypes "github.com/projecteru2/core/types"
)

// ManualMachine is one entry of the static inventory used by the
// manual driver.
type ManualMachine struct {
	Name      string `json:"name" mapstructure:"name"`
	Addr      string `json:"addr" mapstructure:"addr"`
	Username  string `json:"username" mapstructure:"username"`
	Password  string `json:"password" mapstructure:"password"`
	Domain    string `json:"domain" mapstructure:"domain"`
	AgentPort int    `json:"agent_port" mapstructure:"agent_port"`
}

// HetznerConfig holds credentials and flavour selection for the
// Hetzner Cloud driver.
type HetznerConfig struct {
	Token      string `json:"token" mapstructure:"token"`
	ServerType string `json:"server_type" mapstructure:"server_type"`
	Image      string `json:"image" mapstructure:"image"`
	Location   string `json:"location" mapstructure:"location"`
}

// PrivCloudConfig holds the endpoint of the private-cloud provisioning
// agent.
type PrivCloudConfig struct {
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`
	Token    string `json:"token" mapstructure:"token"`
}

// Config holds global Corral configuration.
type Config struct {
	// RootDir is the base directory for persistent data (repository
	// database, run lock).
	RootDir string `json:"root_dir" mapstructure:"root_dir"`

	// Iaas selects the infrastructure driver: manual, hetzner,
	// privcloud or noop.
	Iaas string `json:"iaas" mapstructure:"iaas"`

	// MachinesName is the display-name prefix for machines created by
	// the pool reconciler.
	MachinesName string `json:"machines_name" mapstructure:"machines_name"`

	// MachinePoolSize is the desired number of unassigned spares.
	MachinePoolSize int `json:"machine_pool_size" mapstructure:"machine_pool_size"`

	// SessionDurationSeconds is the lease granted on every session
	// open/close event.
	SessionDurationSeconds int `json:"session_duration" mapstructure:"session_duration"`

	// AgentPort is the default in-guest agent port for new machines.
	AgentPort int `json:"agent_port" mapstructure:"agent_port"`

	// ProbeTimeoutSeconds bounds each session-probe HTTP request.
	ProbeTimeoutSeconds int `json:"probe_timeout" mapstructure:"probe_timeout"`

	// SweepIntervalSeconds is the period of the lease reclamation sweep.
	SweepIntervalSeconds int `json:"sweep_interval" mapstructure:"sweep_interval"`

	// ReconcileIntervalSeconds is the period of the background pool
	// reconciliation pass.
	ReconcileIntervalSeconds int `json:"reconcile_interval" mapstructure:"reconcile_interval"`

	// ListenAddr is the bind address of the assignment/admin HTTP API.
	ListenAddr string `json:"listen_addr" mapstructure:"listen_addr"`

	// PoolSize is the goroutine pool size for concurrent driver
	// operations. Defaults to runtime.NumCPU() if zero.
	PoolSize int `json:"pool_size" mapstructure:"pool_size"`

	// NATSURL enables lifecycle event publishing when non-empty.
	NATSURL string `json:"nats_url" mapstructure:"nats_url"`

	Manual    []ManualMachine `json:"manual" mapstructure:"manual"`
	Hetzner   HetznerConfig   `json:"hetzner" mapstructure:"hetzner"`
	PrivCloud PrivCloudConfig `json:"privcloud" mapstructure:"privcloud"`

	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RootDir:                  "/var/lib/corral",
		Iaas:                     "noop",
		MachinesName:             "corral",
		MachinePoolSize:          2,
		SessionDurationSeconds:   3600,
		AgentPort:                9123,
		ProbeTimeoutSeconds:      10,
		SweepIntervalSeconds:     30,
		ReconcileIntervalSeconds: 60,
		ListenAddr:               ":8700",
		PoolSize:                 runtime.NumCPU(),
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	conf := DefaultConfig()
	if path == "" {
		return conf, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // config path from CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return conf, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	conf.Normalize()
	return conf, nil
}

// Normalize fills zero-valued fields with defaults after external
// sources (file, env, flags) have been applied.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.PoolSize <= 0 {
		c.PoolSize = def.PoolSize
	}
	if c.MachinePoolSize < 0 {
		c.MachinePoolSize = 0
	}
	if c.SessionDurationSeconds <= 0 {
		c.SessionDurationSeconds = def.SessionDurationSeconds
	}
	if c.AgentPort <= 0 {
		c.AgentPort = def.AgentPort
	}
	if c.ProbeTimeoutSeconds <= 0 {
		c.ProbeTimeoutSeconds = def.ProbeTimeoutSeconds
	}
	if c.SweepIntervalSeconds <= 0 {
		c.SweepIntervalSeconds = def.SweepIntervalSeconds
	}
	if c.ReconcileIntervalSeconds <= 0 {
		c.ReconcileIntervalSeconds = def.ReconcileIntervalSeconds
	}
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
}

// SessionDuration returns the configured lease length.
func (c *Config) SessionDuration() time.Duration {
	return time.Duration(c.SessionDurationSeconds) * time.Second
}

// ProbeTimeout returns the per-request session probe timeout.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// SweepInterval returns the lease sweep period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// ReconcileInterval returns the background reconciliation period.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

// DBFile returns the path of the machine repository database.
func (c *Config) DBFile() string {
	return filepath.Join(c.RootDir, "db", "machines.db")
}

// RunLock returns the path of the serve-process exclusivity lock.
func (c *Config) RunLock() string {
	return filepath.Join(c.RootDir, "corral.lock")
}

// EnsureDirs creates the data directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.RootDir, filepath.Dir(c.DBFile())} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
