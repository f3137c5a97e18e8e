package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// configEnvVar overrides the default config file location.
const configEnvVar = "ZFS_SYNC_CONFIG"

// Config supplies defaults for flags the user does not pass on the command
// line. All fields are optional.
type Config struct {
	// Ratelimit is the default transfer rate limit, as per pv -L.
	Ratelimit string `yaml:"ratelimit"`

	// MetricsFile is the default path for textfile metrics export.
	MetricsFile string `yaml:"metricsFile"`

	// Verbose enables run narration by default.
	Verbose bool `yaml:"verbose"`
}

func defaultConfigPath() string {
	if p := os.Getenv(configEnvVar); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "zfs-sync", "config.yaml")
}

// loadConfig reads a config file. A missing file is not an error and
// yields the zero config.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	if cfg.Ratelimit != "" && !validPVRate(cfg.Ratelimit) {
		return nil, fmt.Errorf("config %q: %q is not a valid rate limit for `pv -L`", path, cfg.Ratelimit)
	}
	return cfg, nil
}

// loadConfigOrDefault loads the user's config file, degrading to defaults
// with a warning when it is unreadable.
func loadConfigOrDefault() *Config {
	cfg, err := loadConfig(defaultConfigPath())
	if err != nil {
		klog.Warningf("ignoring config: %v", err)
		return &Config{}
	}
	return cfg
}
