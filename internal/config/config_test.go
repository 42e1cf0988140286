package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Trace.BranchReadAhead != 4096 {
		t.Errorf("BranchReadAhead = %d, want 4096", cfg.Trace.BranchReadAhead)
	}
	if !cfg.Trace.DisableASLR {
		t.Errorf("DisableASLR = false, want true")
	}
}

func TestLoadFromMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Monitor.Addr != DefaultConfig().Monitor.Addr {
		t.Errorf("Monitor.Addr = %q, want default", cfg.Monitor.Addr)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.toml")
	cfg := DefaultConfig()
	cfg.Monitor.Addr = "0.0.0.0:9999"
	cfg.Logging.Verbose = true

	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if loaded.Monitor.Addr != cfg.Monitor.Addr {
		t.Errorf("Monitor.Addr = %q, want %q", loaded.Monitor.Addr, cfg.Monitor.Addr)
	}
	if loaded.Logging.Verbose != true {
		t.Errorf("Logging.Verbose = false, want true")
	}
}
