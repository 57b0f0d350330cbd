package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default paths used when a field is left empty.
const (
	DefaultRuntimeDir = "/run/burrow"
	DefaultWorkDir    = "/var/lib/burrow"

	// DefaultSandboxDirectory is the sandbox mount point seen from
	// inside a container that uses a provisioned root filesystem.
	DefaultSandboxDirectory = "/mnt/burrow/sandbox"
)

// DefaultIsolation is the isolation applied when none is configured.
var DefaultIsolation = []string{"filesystem/posix", "posix/cpu", "posix/mem"}

// Config holds the containerizer configuration.
type Config struct {
	// RuntimeDir is the engine's checkpoint area. It is expected to
	// live on a tmpfs so stale state does not survive reboots.
	RuntimeDir string `yaml:"runtime_dir"`

	// WorkDir is the agent work directory holding sandboxes and the
	// metadata store.
	WorkDir string `yaml:"work_dir"`

	// Isolation lists isolator names in declared order. Preparation
	// runs in this order, cleanup in reverse.
	Isolation []string `yaml:"isolation"`

	// LauncherDir is the directory containing the burrow-launch helper
	// binary.
	LauncherDir string `yaml:"launcher_dir"`

	// SandboxDirectory is the in-container sandbox path used when a
	// root filesystem is provisioned.
	SandboxDirectory string `yaml:"sandbox_directory"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// MetricsAddr is the listen address of the Prometheus endpoint,
	// empty to disable.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	return &Config{
		RuntimeDir:       DefaultRuntimeDir,
		WorkDir:          DefaultWorkDir,
		Isolation:        append([]string(nil), DefaultIsolation...),
		SandboxDirectory: DefaultSandboxDirectory,
		LogLevel:         "info",
	}
}

// Load reads a YAML configuration file, fills in defaults and validates
// the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalizes the isolation list and rejects invalid
// configurations.
func (c *Config) Validate() error {
	if c.RuntimeDir == "" {
		c.RuntimeDir = DefaultRuntimeDir
	}
	if c.WorkDir == "" {
		c.WorkDir = DefaultWorkDir
	}
	if c.SandboxDirectory == "" {
		c.SandboxDirectory = DefaultSandboxDirectory
	}
	if len(c.Isolation) == 0 {
		c.Isolation = append([]string(nil), DefaultIsolation...)
	}

	c.Isolation = expandIsolation(c.Isolation)

	seen := make(map[string]struct{}, len(c.Isolation))
	for _, name := range c.Isolation {
		if _, ok := seen[name]; ok {
			return fmt.Errorf("duplicate entries found in isolation list: %q", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// expandIsolation rewrites deprecated isolation aliases into their
// modern names.
func expandIsolation(isolation []string) []string {
	var expanded []string
	for _, name := range isolation {
		switch strings.TrimSpace(name) {
		case "process":
			// Legacy alias for the pair of posix isolators.
			expanded = append(expanded, "posix/cpu", "posix/mem")
		case "posix/disk":
			// Renamed upstream; keep accepting the old name.
			expanded = append(expanded, "disk/du")
		case "":
			continue
		default:
			expanded = append(expanded, strings.TrimSpace(name))
		}
	}
	return expanded
}
