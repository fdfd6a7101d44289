package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// TestDefaultConfig_ResourceLimits verifies the conservative defaults
func TestDefaultConfig_ResourceLimits(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Resources.MaxCPUPercent != 30 {
		t.Errorf("MaxCPUPercent = %v, want 30", cfg.Resources.MaxCPUPercent)
	}
	if cfg.Resources.MaxRAMPercent != 20 {
		t.Errorf("MaxRAMPercent = %v, want 20", cfg.Resources.MaxRAMPercent)
	}
	if cfg.Resources.MaxGPUPercent != 30 {
		t.Errorf("MaxGPUPercent = %v, want 30", cfg.Resources.MaxGPUPercent)
	}
	if cfg.Resources.MaxDiskMB != 2000 {
		t.Errorf("MaxDiskMB = %v, want 2000", cfg.Resources.MaxDiskMB)
	}
	if !cfg.Resources.IdleOnly {
		t.Error("IdleOnly should default to true")
	}
	if cfg.Resources.IdleThresholdSecs != 120 {
		t.Errorf("IdleThresholdSecs = %v, want 120", cfg.Resources.IdleThresholdSecs)
	}
	if cfg.Resources.RunOnBattery {
		t.Error("RunOnBattery should default to false")
	}
	if cfg.Resources.MinBatteryPercent != 20 {
		t.Errorf("MinBatteryPercent = %v, want 20", cfg.Resources.MinBatteryPercent)
	}
	if cfg.Resources.MaxConcurrentTasks != 5 {
		t.Errorf("MaxConcurrentTasks = %v, want 5", cfg.Resources.MaxConcurrentTasks)
	}
}

// TestDefaultConfig_TelemetryOptIn verifies telemetry is off until consented
func TestDefaultConfig_TelemetryOptIn(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Telemetry.Enabled {
		t.Error("Telemetry should be disabled by default")
	}
}

// TestDefaultConfig_SyncInterval verifies sync interval default
func TestDefaultConfig_SyncInterval(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Sync.IntervalMinutes != 15 {
		t.Errorf("IntervalMinutes = %v, want 15", cfg.Sync.IntervalMinutes)
	}
}

// TestDefaultConfig_Cloud verifies cloud credentials are empty by default
func TestDefaultConfig_Cloud(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Cloud.APIKey != "" {
		t.Error("API key should be empty by default")
	}
	if cfg.Cloud.DeviceID != "" {
		t.Error("Device ID should be empty until registration")
	}
	if cfg.Cloud.APIBase == "" {
		t.Error("API base should have a default value")
	}
}

func TestSaveConfig_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permission bits are not enforced on Windows")
	}

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}

	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("config file has permission %04o, want 0600", perm)
	}
}

func TestLoadConfig_EnvOverridesWithoutFile(t *testing.T) {
	t.Setenv("LOCALAGENT_CLOUD_API_BASE", "https://staging.example.com/v1")
	t.Setenv("LOCALAGENT_RESOURCES_MAX_CPU_PERCENT", "55")
	path := filepath.Join(t.TempDir(), "missing-config.json")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := cfg.Cloud.APIBase; got != "https://staging.example.com/v1" {
		t.Fatalf("expected env override for api base, got %q", got)
	}
	if got := cfg.Resources.MaxCPUPercent; got != 55 {
		t.Fatalf("expected env override for cpu limit, got %v", got)
	}
}

func TestLoadConfig_RejectsInvalidPercent(t *testing.T) {
	t.Setenv("LOCALAGENT_RESOURCES_MAX_RAM_PERCENT", "150")
	path := filepath.Join(t.TempDir(), "missing-config.json")

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation failure for percent over 100")
	}
}

func TestUpdateResources_InvalidLeavesSettingsIntact(t *testing.T) {
	cfg := DefaultConfig()

	bad := cfg.ResourceLimits()
	bad.MaxCPUPercent = -5
	if err := cfg.UpdateResources(bad); err == nil {
		t.Fatal("expected rejection of negative percent")
	}
	if got := cfg.ResourceLimits().MaxCPUPercent; got != 30 {
		t.Fatalf("previous settings should survive a bad update, got %v", got)
	}

	good := cfg.ResourceLimits()
	good.MaxCPUPercent = 50
	good.IdleOnly = false
	if err := cfg.UpdateResources(good); err != nil {
		t.Fatalf("valid update rejected: %v", err)
	}
	limits := cfg.ResourceLimits()
	if limits.MaxCPUPercent != 50 || limits.IdleOnly {
		t.Fatalf("update not applied: %#v", limits)
	}
}

func TestLoadConfig_FileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	cfg.Cloud.DeviceID = "dev-123"
	cfg.Sync.Windows = []string{"* 0-6 * * *"}
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.DeviceID() != "dev-123" {
		t.Fatalf("device ID lost in round trip: %q", loaded.DeviceID())
	}
	if len(loaded.SyncWindows()) != 1 {
		t.Fatalf("sync windows lost in round trip: %v", loaded.SyncWindows())
	}
}
