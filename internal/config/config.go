// Package config loads the chain engine's tunables from a small YAML
// document, in the teacher's style of a plain struct with defaults
// applied before unmarshaling, so a file overrides only the keys it
// sets, rather than a flag/env framework.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable named across spec §4, §6 and §9.
type Config struct {
	// RepoPath is the root directory under which file-domain storage
	// domains are mounted (<RepoPath>/<sdUUID>/...).
	RepoPath string `yaml:"repo_path"`

	// ChunkMB is the chunk granularity for thin block-backed volumes
	// (the "Chunk" glossary term).
	ChunkMB int `yaml:"chunk_mb"`

	// COWOverhead is the multiplier applied when estimating chain
	// size (spec §4.8.2, COW_OVERHEAD = 1.1).
	COWOverhead float64 `yaml:"cow_overhead"`

	// ReadOnlyRetries bounds retries of a failed LVM command issued
	// while the VG is in read-only mode (spec §4.1.1).
	ReadOnlyRetries int `yaml:"read_only_retries"`

	// MaxCommands caps concurrent LVM command invocations process-wide.
	MaxCommands int `yaml:"max_commands"`

	// IOPoolSize is the worker count of the per-domain file I/O pool.
	IOPoolSize int `yaml:"io_pool_size"`

	// DeviceFilterRoots lists path prefixes scanned to build the LVM
	// device filter's multipath allowlist.
	DeviceFilterRoots []string `yaml:"device_filter_roots"`
}

// Default returns a Config with the values spec.md implies where it
// does not otherwise constrain them.
func Default() Config {
	return Config{
		RepoPath:          "/rhev/data-center/mnt",
		ChunkMB:           1024,
		COWOverhead:       1.1,
		ReadOnlyRetries:   3,
		MaxCommands:       10,
		IOPoolSize:        4,
		DeviceFilterRoots: []string{"/dev/mapper"},
	}
}

// Load reads and merges a YAML config file over Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
