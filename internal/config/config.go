package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all sieve configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Vault    VaultConfig    `toml:"vault"`
	Pruning  PruningConfig  `toml:"pruning"`
}

type ServerConfig struct {
	Bind string `toml:"bind"`
	Port int    `toml:"port"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type VaultConfig struct {
	DefaultSegment string `toml:"default_segment"`
	// BackupOnPrune takes a verified vault backup before any destructive
	// pruning job, independent of the per-request flag.
	BackupOnPrune bool `toml:"backup_on_prune"`
}

type PruningConfig struct {
	MaxConcurrentJobs    int     `toml:"max_concurrent_jobs"`
	AutoPruneThreshold   int     `toml:"auto_prune_threshold"`   // edges; 0 disables
	AutoPruneIntervalMin int     `toml:"auto_prune_interval"`    // minutes between unattended runs
	L1Strength           float64 `toml:"l1_strength"`
	RetentionTarget      float64 `toml:"retention_target"`
	MaxQualityDrop       float64 `toml:"max_quality_drop"`
	MinEdgeWeight        float64 `toml:"min_edge_weight"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 38111,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Vault: VaultConfig{
			DefaultSegment: "default",
		},
		Pruning: PruningConfig{
			MaxConcurrentJobs: 1,
			L1Strength:        0.05,
			RetentionTarget:   0.5,
			MaxQualityDrop:    0.1,
			MinEdgeWeight:     0.1,
		},
	}
}

// Load reads a TOML config file over the defaults. A missing file is not an
// error; the defaults stand.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
