package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"proxysupervisor/internal/config"
)

func writeIni(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.ini")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write ini: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeIni(t, "[pool]\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.ContainerPoolSize != 8 {
		t.Errorf("expected default container_pool_size 8, got %d", cfg.Pool.ContainerPoolSize)
	}
	if cfg.Pool.MaxAttempts != 3 {
		t.Errorf("expected default max_attempts 3, got %d", cfg.Pool.MaxAttempts)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected default log level info, got %q", cfg.Log.Level)
	}
}

func TestLoadRejectsInvalidPortRange(t *testing.T) {
	path := writeIni(t, "[pool]\nport_min = 100\nport_max = 50\n")

	if _, err := config.Load(path); err == nil {
		t.Fatal("expected an error for port_min > port_max")
	}
}

func TestMatches(t *testing.T) {
	path := writeIni(t, "[pool]\ncontainer_pool_size = 8\nport_min = 8887\nport_max = 8900\n")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !cfg.Matches(config.Echo{}) {
		t.Error("expected an empty echo to always match")
	}

	agreeing := 8887
	if !cfg.Matches(config.Echo{PortMin: &agreeing}) {
		t.Error("expected an agreeing echo to match")
	}

	disagreeing := 1
	if cfg.Matches(config.Echo{PortMin: &disagreeing}) {
		t.Error("expected a disagreeing echo to mismatch")
	}
}

func TestBlocklistReportAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad_connections.db")
	bl := config.NewBlocklist(path)

	empty, err := bl.List()
	if err != nil {
		t.Fatalf("List on missing file: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no entries before any report, got %+v", empty)
	}

	if err := bl.Report("w-1", "rate limited by destination"); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if err := bl.Report("w-2", "contains a | pipe"); err != nil {
		t.Fatalf("Report: %v", err)
	}

	entries, err := bl.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Name != "w-1" || entries[0].Reason != "rate limited by destination" {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Name != "w-2" {
		t.Errorf("unexpected second entry: %+v", entries[1])
	}
}
