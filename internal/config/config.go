// Package config loads the tracer's persistent settings: the handful of
// knobs that make sense to default once rather than pass on every
// invocation (privilege-acquisition behavior, default trace directory,
// the live-monitor port). Per-run choices like the trace filename, target
// pid, and CPU preference stay as CLI flags in cmd/flow, splitting
// persistent config from per-invocation flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
)

// Config is the tracer's TOML-backed configuration.
type Config struct {
	Trace struct {
		DefaultDir      string `toml:"default_dir"`
		DisableASLR     bool   `toml:"disable_aslr"`
		BranchReadAhead int    `toml:"branch_read_ahead"`
	} `toml:"trace"`

	Privilege struct {
		AcquireTaskport bool `toml:"acquire_taskport"`
	} `toml:"privilege"`

	Monitor struct {
		Enabled bool   `toml:"enabled"`
		Addr    string `toml:"addr"`
	} `toml:"monitor"`

	Logging struct {
		Verbose bool `toml:"verbose"`
	} `toml:"logging"`
}

// DefaultConfig returns the settings Flow uses when no config file exists.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Trace.DefaultDir = "."
	cfg.Trace.DisableASLR = true
	cfg.Trace.BranchReadAhead = 4096
	cfg.Privilege.AcquireTaskport = true
	cfg.Monitor.Enabled = false
	cfg.Monitor.Addr = "127.0.0.1:4747"
	cfg.Logging.Verbose = false
	return cfg
}

// GetConfigPath returns the platform-specific config file path, creating
// its parent directory if necessary.
func GetConfigPath() string {
	var configDir string

	switch runtime.GOOS {
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "flow.toml"
		}
		configDir = filepath.Join(homeDir, "Library", "Application Support", "flow")

	default:
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "flow.toml"
		}
		configDir = filepath.Join(homeDir, ".config", "flow")
	}

	if err := os.MkdirAll(configDir, 0750); err != nil {
		return "flow.toml"
	}
	return filepath.Join(configDir, "flow.toml")
}

// Load reads the config file at the default path, returning defaults if
// it doesn't exist.
func Load() (*Config, error) {
	return LoadFrom(GetConfigPath())
}

// LoadFrom reads the config file at path, returning defaults if it
// doesn't exist.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// Save writes c to the default config path.
func (c *Config) Save() error {
	return c.SaveTo(GetConfigPath())
}

// SaveTo writes c to path, creating its parent directory if necessary.
func (c *Config) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("config: create directory %q: %w", dir, err)
	}

	f, err := os.Create(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return fmt.Errorf("config: create %q: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return nil
}
