package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultListenAddr(t *testing.T) {
	cfg := Default()
	if got := cfg.ListenAddr(); got != "127.0.0.1:38111" {
		t.Errorf("ListenAddr = %q, want 127.0.0.1:38111", got)
	}
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pruning.MaxConcurrentJobs != 1 {
		t.Errorf("MaxConcurrentJobs = %d, want default 1", cfg.Pruning.MaxConcurrentJobs)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sieve.toml")
	doc := `
[server]
port = 9999

[pruning]
auto_prune_threshold = 100000
retention_target = 0.8
`
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Server.Bind != "127.0.0.1" {
		t.Errorf("Bind = %q, want default kept", cfg.Server.Bind)
	}
	if cfg.Pruning.AutoPruneThreshold != 100000 {
		t.Errorf("AutoPruneThreshold = %d, want 100000", cfg.Pruning.AutoPruneThreshold)
	}
	if cfg.Pruning.RetentionTarget != 0.8 {
		t.Errorf("RetentionTarget = %v, want 0.8", cfg.Pruning.RetentionTarget)
	}
}

func TestLoadRejectsBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sieve.toml")
	if err := os.WriteFile(path, []byte("[server\nport=1"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load should reject malformed TOML")
	}
}
