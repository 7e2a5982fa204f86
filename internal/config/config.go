package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DeviceConfig describes how to reach the camera's command channel.
// Transport selects a concrete implementation ("ptpip" or "mock").
type DeviceConfig struct {
	Transport     string `yaml:"transport"`       // "ptpip" (network) or "mock" (dev/test)
	Address       string `yaml:"address"`         // host:port for ptpip, e.g. "192.168.1.5:15740"
	DialTimeoutMs int    `yaml:"dial_timeout_ms"` // connection timeout (ms)
}

// CaptureConfig tunes the capture progress monitor.
type CaptureConfig struct {
	PollIntervalMs    int `yaml:"poll_interval_ms"`    // delay between status polls (ms)
	BusyWarnThreshold int `yaml:"busy_warn_threshold"` // consecutive busy responses before warning
	MaxPolls          int `yaml:"max_polls"`           // diagnostic circuit breaker. 0 = unlimited.
}

// PanelConfig describes the optional Raspberry Pi control panel
// (physical cancel button + capture-active LED).
type PanelConfig struct {
	Enabled    bool `yaml:"enabled"`
	MockGPIO   bool `yaml:"mock_gpio"`     // use mock GPIO (true=dev/test, false=real Raspberry Pi)
	CancelPin  int  `yaml:"cancel_pin"`    // input pin for the cancel button (BCM)
	LEDPin     int  `yaml:"led_pin"`       // output pin for the status LED (BCM)
	PollRateMs int  `yaml:"poll_rate_ms"`  // button sampling interval (ms)
}

// WebConfig holds web server settings.
type WebConfig struct {
	Addr string `yaml:"addr"` // listen address, e.g. ":8080"
}

// HistoryConfig holds the run-history database settings.
type HistoryConfig struct {
	Path string `yaml:"path"` // sqlite file path. Empty = history disabled.
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int    `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	ShotCount  uint32 `yaml:"shot_count"`  // default requested shot count when none given
}

// Config aggregates all application configuration.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Capture  CaptureConfig  `yaml:"capture"`
	Panel    PanelConfig    `yaml:"panel"`
	Web      WebConfig      `yaml:"web"`
	History  HistoryConfig  `yaml:"history"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	// Basic validation
	if cfg.Device.Transport == "" {
		return nil, fmt.Errorf("device.transport is required")
	}
	if cfg.Device.Transport != "ptpip" && cfg.Device.Transport != "mock" {
		return nil, fmt.Errorf("device.transport must be \"ptpip\" or \"mock\", got %q", cfg.Device.Transport)
	}
	if cfg.Device.Transport == "ptpip" && cfg.Device.Address == "" {
		return nil, fmt.Errorf("device.address is required for the ptpip transport")
	}
	if cfg.Capture.MaxPolls < 0 {
		return nil, fmt.Errorf("capture.max_polls must be >= 0, got %d", cfg.Capture.MaxPolls)
	}

	// Default values
	if cfg.Device.DialTimeoutMs <= 0 {
		cfg.Device.DialTimeoutMs = 5000 // 5s connect timeout
	}
	if cfg.Capture.PollIntervalMs <= 0 {
		cfg.Capture.PollIntervalMs = 2000 // 2s between polls
	}
	if cfg.Capture.BusyWarnThreshold <= 0 {
		cfg.Capture.BusyWarnThreshold = 30 // warn after 30 consecutive busy
	}
	if cfg.Panel.PollRateMs <= 0 {
		cfg.Panel.PollRateMs = 50 // 50ms button sampling
	}
	if cfg.Web.Addr == "" {
		cfg.Web.Addr = ":8080"
	}
	if cfg.Defaults.ShotCount == 0 {
		cfg.Defaults.ShotCount = 10
	}

	return &cfg, nil
}

// PollInterval returns the delay between two status polls.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Capture.PollIntervalMs) * time.Millisecond
}

// DialTimeout returns the command channel connection timeout.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Device.DialTimeoutMs) * time.Millisecond
}

// PanelPollRate returns the cancel button sampling interval.
func (c *Config) PanelPollRate() time.Duration {
	return time.Duration(c.Panel.PollRateMs) * time.Millisecond
}
