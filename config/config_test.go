package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	conf := DefaultConfig()
	if conf.RootDir != "/var/lib/corral" {
		t.Fatalf("root dir = %q", conf.RootDir)
	}
	if conf.Iaas != "noop" {
		t.Fatalf("default iaas = %q, want noop", conf.Iaas)
	}
	if conf.MachinePoolSize != 2 {
		t.Fatalf("default pool size = %d, want 2", conf.MachinePoolSize)
	}
	if conf.SessionDuration() != time.Hour {
		t.Fatalf("session duration = %v, want 1h", conf.SessionDuration())
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corral.json")
	raw := `{
		"root_dir": "/tmp/corral-test",
		"iaas": "manual",
		"machine_pool_size": 5,
		"session_duration": 600,
		"manual": [{"name": "ws-1", "addr": "10.1.2.3", "username": "admin"}]
	}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	conf, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if conf.Iaas != "manual" || conf.MachinePoolSize != 5 {
		t.Fatalf("loaded config = %+v", conf)
	}
	if conf.SessionDuration() != 10*time.Minute {
		t.Fatalf("session duration = %v, want 10m", conf.SessionDuration())
	}
	if len(conf.Manual) != 1 || conf.Manual[0].Name != "ws-1" {
		t.Fatalf("manual inventory = %+v", conf.Manual)
	}
	// Untouched fields keep their defaults.
	if conf.ListenAddr != ":8700" {
		t.Fatalf("listen addr = %q, want default", conf.ListenAddr)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	conf, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if conf.Iaas != "noop" {
		t.Fatalf("iaas = %q, want default", conf.Iaas)
	}
}

func TestNormalize(t *testing.T) {
	conf := &Config{MachinePoolSize: -3}
	conf.Normalize()
	if conf.MachinePoolSize != 0 {
		t.Fatalf("negative pool size normalized to %d, want 0", conf.MachinePoolSize)
	}
	if conf.SessionDurationSeconds <= 0 || conf.ProbeTimeoutSeconds <= 0 {
		t.Fatal("zero durations should pick up defaults")
	}
	if conf.ListenAddr == "" {
		t.Fatal("empty listen addr should pick up the default")
	}
}

func TestDerivedPaths(t *testing.T) {
	conf := DefaultConfig()
	conf.RootDir = "/data/corral"
	if got := conf.DBFile(); got != "/data/corral/db/machines.db" {
		t.Fatalf("db file = %q", got)
	}
	if got := conf.RunLock(); got != "/data/corral/corral.lock" {
		t.Fatalf("run lock = %q", got)
	}
}

func TestEnsureDirs(t *testing.T) {
	conf := DefaultConfig()
	conf.RootDir = filepath.Join(t.TempDir(), "corral")
	if err := conf.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(conf.DBFile())); err != nil {
		t.Fatalf("db dir missing: %v", err)
	}
}
