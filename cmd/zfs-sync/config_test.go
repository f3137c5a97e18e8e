package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, "ratelimit: 50M\nverbose: true\nmetricsFile: /var/lib/node_exporter/zfs-sync.prom\n")
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Ratelimit != "50M" {
		t.Errorf("Ratelimit = %q, want %q", cfg.Ratelimit, "50M")
	}
	if !cfg.Verbose {
		t.Error("Verbose = false, want true")
	}
	if cfg.MetricsFile != "/var/lib/node_exporter/zfs-sync.prom" {
		t.Errorf("MetricsFile = %q", cfg.MetricsFile)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("loadConfig on missing file: %v", err)
	}
	if *cfg != (Config{}) {
		t.Errorf("missing file produced non-zero config: %+v", cfg)
	}
}

func TestLoadConfigRejectsBadRate(t *testing.T) {
	path := writeTempConfig(t, "ratelimit: fast\n")
	if _, err := loadConfig(path); err == nil {
		t.Error("loadConfig accepted an invalid ratelimit")
	}
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	path := writeTempConfig(t, "ratelimit: [\n")
	if _, err := loadConfig(path); err == nil {
		t.Error("loadConfig accepted malformed yaml")
	}
}
