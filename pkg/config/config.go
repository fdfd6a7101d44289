package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all agent settings. Defaults are deliberately
// conservative so a fresh install stays quiet on the host.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Cloud     CloudConfig     `json:"cloud"`
	Resources ResourceConfig  `json:"resources"`
	Sync      SyncConfig      `json:"sync"`
	Telemetry TelemetryConfig `json:"telemetry"`
	mu        sync.RWMutex
}

type AgentConfig struct {
	Workspace  string `json:"workspace" env:"LOCALAGENT_AGENT_WORKSPACE"`
	DeviceName string `json:"device_name" env:"LOCALAGENT_AGENT_DEVICE_NAME"`
}

type CloudConfig struct {
	APIBase  string `json:"api_base" env:"LOCALAGENT_CLOUD_API_BASE"`
	APIKey   string `json:"api_key" env:"LOCALAGENT_CLOUD_API_KEY"`
	DeviceID string `json:"device_id" env:"LOCALAGENT_CLOUD_DEVICE_ID"`
}

// ResourceConfig bounds what background work may consume.
type ResourceConfig struct {
	MaxCPUPercent      float64 `json:"max_cpu_percent" env:"LOCALAGENT_RESOURCES_MAX_CPU_PERCENT"`
	MaxRAMPercent      float64 `json:"max_ram_percent" env:"LOCALAGENT_RESOURCES_MAX_RAM_PERCENT"`
	MaxGPUPercent      float64 `json:"max_gpu_percent" env:"LOCALAGENT_RESOURCES_MAX_GPU_PERCENT"`
	MaxDiskMB          int64   `json:"max_disk_mb" env:"LOCALAGENT_RESOURCES_MAX_DISK_MB"`
	IdleOnly           bool    `json:"idle_only" env:"LOCALAGENT_RESOURCES_IDLE_ONLY"`
	IdleThresholdSecs  int     `json:"idle_threshold_secs" env:"LOCALAGENT_RESOURCES_IDLE_THRESHOLD_SECS"`
	RunOnBattery       bool    `json:"run_on_battery" env:"LOCALAGENT_RESOURCES_RUN_ON_BATTERY"`
	MinBatteryPercent  float64 `json:"min_battery_percent" env:"LOCALAGENT_RESOURCES_MIN_BATTERY_PERCENT"`
	DownloadKBPerSec   int     `json:"download_kb_per_sec" env:"LOCALAGENT_RESOURCES_DOWNLOAD_KB_PER_SEC"`
	MaxConcurrentTasks int     `json:"max_concurrent_tasks" env:"LOCALAGENT_RESOURCES_MAX_CONCURRENT_TASKS"`
	MaxLocalMemories   int     `json:"max_local_memories" env:"LOCALAGENT_RESOURCES_MAX_LOCAL_MEMORIES"`
	Paused             bool    `json:"paused" env:"LOCALAGENT_RESOURCES_PAUSED"`
}

type SyncConfig struct {
	IntervalMinutes int      `json:"interval_minutes" env:"LOCALAGENT_SYNC_INTERVAL_MINUTES"`
	Windows         []string `json:"windows" env:"LOCALAGENT_SYNC_WINDOWS" envSeparator:";"`
	OnStart         bool     `json:"on_start" env:"LOCALAGENT_SYNC_ON_START"`
	OfflineMode     bool     `json:"offline_mode" env:"LOCALAGENT_SYNC_OFFLINE_MODE"`
}

type TelemetryConfig struct {
	Enabled               bool `json:"enabled" env:"LOCALAGENT_TELEMETRY_ENABLED"`
	ReportIntervalMinutes int  `json:"report_interval_minutes" env:"LOCALAGENT_TELEMETRY_REPORT_INTERVAL_MINUTES"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Workspace:  "~/.localagent",
			DeviceName: defaultDeviceName(),
		},
		Cloud: CloudConfig{
			APIBase: "https://api.cirkelline.com/v1",
		},
		Resources: ResourceConfig{
			MaxCPUPercent:      30,
			MaxRAMPercent:      20,
			MaxGPUPercent:      30,
			MaxDiskMB:          2000,
			IdleOnly:           true,
			IdleThresholdSecs:  120,
			RunOnBattery:       false,
			MinBatteryPercent:  20,
			DownloadKBPerSec:   0, // unlimited
			MaxConcurrentTasks: 5,
			MaxLocalMemories:   10000,
		},
		Sync: SyncConfig{
			IntervalMinutes: 15,
			Windows:         []string{},
			OnStart:         true,
		},
		Telemetry: TelemetryConfig{
			Enabled:               false, // opt-in
			ReportIntervalMinutes: 60,
		},
	}
}

func defaultDeviceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "localagent"
	}
	return host
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, cfg.Validate()
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate rejects settings that have no sensible interpretation.
func (c *Config) Validate() error {
	r := c.Resources
	for _, p := range []struct {
		name  string
		value float64
	}{
		{"max_cpu_percent", r.MaxCPUPercent},
		{"max_ram_percent", r.MaxRAMPercent},
		{"max_gpu_percent", r.MaxGPUPercent},
		{"min_battery_percent", r.MinBatteryPercent},
	} {
		if p.value < 0 || p.value > 100 {
			return fmt.Errorf("resources.%s must be between 0 and 100, got %v", p.name, p.value)
		}
	}
	if r.MaxDiskMB < 0 {
		return fmt.Errorf("resources.max_disk_mb must not be negative, got %d", r.MaxDiskMB)
	}
	if r.IdleThresholdSecs < 0 {
		return fmt.Errorf("resources.idle_threshold_secs must not be negative, got %d", r.IdleThresholdSecs)
	}
	if r.MaxConcurrentTasks < 1 {
		return fmt.Errorf("resources.max_concurrent_tasks must be at least 1, got %d", r.MaxConcurrentTasks)
	}
	if r.MaxLocalMemories < 0 {
		return fmt.Errorf("resources.max_local_memories must not be negative, got %d", r.MaxLocalMemories)
	}
	if c.Sync.IntervalMinutes < 1 {
		return fmt.Errorf("sync.interval_minutes must be at least 1, got %d", c.Sync.IntervalMinutes)
	}
	if c.Telemetry.ReportIntervalMinutes < 1 {
		return fmt.Errorf("telemetry.report_interval_minutes must be at least 1, got %d", c.Telemetry.ReportIntervalMinutes)
	}
	return nil
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Agent.Workspace)
}

func (c *Config) DBPath() string {
	return filepath.Join(c.WorkspacePath(), "state", "agent.db")
}

func (c *Config) APIBase() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Cloud.APIBase != "" {
		return c.Cloud.APIBase
	}
	return "https://api.cirkelline.com/v1"
}

func (c *Config) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Cloud.APIKey
}

func (c *Config) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Cloud.DeviceID
}

// SetDeviceID stores the identity assigned by the cloud at registration.
func (c *Config) SetDeviceID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Cloud.DeviceID = id
}

// SetAPIKey stores the key issued by the cloud at registration.
func (c *Config) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Cloud.APIKey = key
}

func (c *Config) ResourceLimits() ResourceConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Resources
}

// UpdateResources replaces the resource settings atomically. An
// invalid update leaves the previous settings in place.
func (c *Config) UpdateResources(r ResourceConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.Resources
	c.Resources = r
	if err := c.Validate(); err != nil {
		c.Resources = prev
		return err
	}
	return nil
}

func (c *Config) SyncInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Sync.IntervalMinutes) * time.Minute
}

// SetSyncInterval adopts a server-suggested cadence. Anything under a
// minute is rounded up so Validate keeps passing.
func (c *Config) SetSyncInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	minutes := int(d / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	c.Sync.IntervalMinutes = minutes
}

func (c *Config) SyncOnStart() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Sync.OnStart
}

// OfflineMode reports whether all network operations are disabled.
func (c *Config) OfflineMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Sync.OfflineMode
}

// SetOfflineMode toggles network access for sync and telemetry.
func (c *Config) SetOfflineMode(offline bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sync.OfflineMode = offline
}

// Paused reports whether background work is suspended. The flag is
// checked before each dequeue; running work finishes normally.
func (c *Config) Paused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Resources.Paused
}

// SetPaused suspends or resumes background work.
func (c *Config) SetPaused(paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Resources.Paused = paused
}

func (c *Config) SyncWindows() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.Sync.Windows))
	copy(out, c.Sync.Windows)
	return out
}

func (c *Config) TelemetryEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Telemetry.Enabled
}

// SetTelemetryEnabled records the user's consent decision.
func (c *Config) SetTelemetryEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Telemetry.Enabled = enabled
}

func (c *Config) TelemetryInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Telemetry.ReportIntervalMinutes) * time.Minute
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
