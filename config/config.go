/*
Copyright 2024 BaudBridge Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config provides configuration loading and management for BaudBridge.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Shoaibashk/BaudBridge/internal/serial"
	"github.com/Shoaibashk/BaudBridge/internal/session"
	"github.com/Shoaibashk/BaudBridge/internal/traffic"
)

// Config represents the complete bridge configuration
type Config struct {
	Bridge    BridgeConfig    `yaml:"bridge"`
	Serial    SerialConfig    `yaml:"serial"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Traffic   TrafficConfig   `yaml:"traffic"`
	Logging   LoggingConfig   `yaml:"logging"`
	Health    HealthConfig    `yaml:"health"`
	TLS       TLSConfig       `yaml:"tls"`
	Service   ServiceConfig   `yaml:"service"`
}

// BridgeConfig names the two endpoints and how they are acquired
type BridgeConfig struct {
	RealPort       string `yaml:"real_port"`
	VirtualPort    string `yaml:"virtual_port"`
	AutoRelease    bool   `yaml:"auto_release"`
	ReleaseMode    string `yaml:"release_mode"`
	ReleaseGraceMs int    `yaml:"release_grace_ms"`
	BufferSize     int    `yaml:"buffer_size"`
}

// SerialConfig holds serial port settings
type SerialConfig struct {
	Defaults        SerialDefaults `yaml:"defaults"`
	ScanInterval    int            `yaml:"scan_interval"`
	ExcludePatterns []string       `yaml:"exclude_patterns"`
}

// SerialDefaults holds the line settings shared by both ports. Flow
// control and the modem lines only apply to the real port.
type SerialDefaults struct {
	BaudRate       int    `yaml:"baud_rate"`
	DataBits       int    `yaml:"data_bits"`
	StopBits       string `yaml:"stop_bits"`
	Parity         string `yaml:"parity"`
	FlowControl    string `yaml:"flow_control"`
	ReadTimeoutMs  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMs int    `yaml:"write_timeout_ms"`
	DTR            *bool  `yaml:"dtr,omitempty"`
	RTS            *bool  `yaml:"rts,omitempty"`
}

// ReconnectConfig holds the reconnect policy
type ReconnectConfig struct {
	Enabled        bool    `yaml:"enabled"`
	MaxRetries     int     `yaml:"max_retries"`
	Backoff        string  `yaml:"backoff"`
	InitialDelayMs int     `yaml:"initial_delay_ms"`
	MaxDelayMs     int     `yaml:"max_delay_ms"`
	Multiplier     float64 `yaml:"multiplier"`
}

// TrafficConfig holds traffic log settings
type TrafficConfig struct {
	Enabled   bool   `yaml:"enabled"`
	File      string `yaml:"file"`
	Dir       string `yaml:"dir"`
	Prefix    string `yaml:"prefix"`
	Format    string `yaml:"format"`
	Verbosity string `yaml:"verbosity"`
	QueueSize int    `yaml:"queue_size"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// HealthConfig holds the gRPC health endpoint settings
type HealthConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	Reflection bool   `yaml:"reflection"`
}

// TLSConfig holds TLS/SSL settings
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// ServiceConfig holds system service settings
type ServiceConfig struct {
	Name          string `yaml:"name"`
	DisplayName   string `yaml:"display_name"`
	Description   string `yaml:"description"`
	AutoStart     bool   `yaml:"auto_start"`
	RestartPolicy string `yaml:"restart_policy"`
	RestartDelay  int    `yaml:"restart_delay"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			AutoRelease:    true,
			ReleaseMode:    "first",
			ReleaseGraceMs: 2000,
			BufferSize:     4096,
		},
		Serial: SerialConfig{
			Defaults: SerialDefaults{
				BaudRate:       9600,
				DataBits:       8,
				StopBits:       "1",
				Parity:         "none",
				FlowControl:    "none",
				ReadTimeoutMs:  100,
				WriteTimeoutMs: 1000,
			},
			ScanInterval: 5,
		},
		Reconnect: ReconnectConfig{
			Enabled:        true,
			MaxRetries:     5,
			Backoff:        "exponential",
			InitialDelayMs: 500,
			MaxDelayMs:     30000,
			Multiplier:     2,
		},
		Traffic: TrafficConfig{
			Enabled:   true,
			Dir:       "logs",
			Prefix:    "bridge",
			Format:    "text",
			Verbosity: "payload",
			QueueSize: traffic.DefaultCapacity,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
		Health: HealthConfig{
			Enabled:    false,
			Address:    "127.0.0.1:50052",
			Reflection: true,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
		Service: ServiceConfig{
			Name:          "baudbridge",
			DisplayName:   "BaudBridge Serial Bridge",
			Description:   "Bridges a physical serial device to a virtual serial port",
			AutoStart:     true,
			RestartPolicy: "on-failure",
			RestartDelay:  5,
		},
	}
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads configuration from file, or returns default if file doesn't exist
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

// Save writes configuration to a YAML file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid. Port names are checked
// when a bridge is started, since listing and releasing ports need none.
func (c *Config) Validate() error {
	d := c.Serial.Defaults
	if d.BaudRate < 1 {
		return fmt.Errorf("baud_rate must be positive")
	}
	if d.DataBits < 5 || d.DataBits > 8 {
		return fmt.Errorf("data_bits must be between 5 and 8")
	}
	if _, err := serial.ParseParity(d.Parity); err != nil {
		return err
	}
	if _, err := serial.ParseStopBits(d.StopBits); err != nil {
		return err
	}
	if _, err := serial.ParseFlowControl(d.FlowControl); err != nil {
		return err
	}
	if d.ReadTimeoutMs < 1 {
		return fmt.Errorf("read_timeout_ms must be at least 1")
	}
	if d.WriteTimeoutMs < 0 {
		return fmt.Errorf("write_timeout_ms must not be negative")
	}

	if _, err := session.ParseReleaseMode(c.Bridge.ReleaseMode); err != nil {
		return err
	}
	if c.Bridge.BufferSize < 1 {
		return fmt.Errorf("buffer_size must be at least 1")
	}

	if c.Reconnect.MaxRetries < -1 {
		return fmt.Errorf("max_retries must be -1 (unlimited) or more")
	}
	if _, err := session.ParseBackoffKind(c.Reconnect.Backoff); err != nil {
		return err
	}
	if c.Reconnect.InitialDelayMs < 0 || c.Reconnect.MaxDelayMs < 0 {
		return fmt.Errorf("reconnect delays must not be negative")
	}

	if _, err := traffic.ParseVerbosity(c.Traffic.Verbosity); err != nil {
		return err
	}
	switch c.Traffic.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid traffic format: %s", c.Traffic.Format)
	}

	if c.Health.Enabled && c.Health.Address == "" {
		return fmt.Errorf("health address is required when health is enabled")
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("TLS cert_file and key_file are required when TLS is enabled")
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}

// PortSpecs builds the real and virtual port specs. The virtual port
// shares the frame settings but never uses flow control or modem lines.
func (c *Config) PortSpecs() (realSpec, virtualSpec serial.PortSpec, err error) {
	d := c.Serial.Defaults

	parity, err := serial.ParseParity(d.Parity)
	if err != nil {
		return realSpec, virtualSpec, err
	}
	stopBits, err := serial.ParseStopBits(d.StopBits)
	if err != nil {
		return realSpec, virtualSpec, err
	}
	flow, err := serial.ParseFlowControl(d.FlowControl)
	if err != nil {
		return realSpec, virtualSpec, err
	}

	base := serial.PortSpec{
		BaudRate:     d.BaudRate,
		DataBits:     d.DataBits,
		Parity:       parity,
		StopBits:     stopBits,
		ReadTimeout:  time.Duration(d.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(d.WriteTimeoutMs) * time.Millisecond,
	}

	realSpec = base
	realSpec.Name = c.Bridge.RealPort
	realSpec.FlowControl = flow
	realSpec.DTR = d.DTR
	realSpec.RTS = d.RTS

	virtualSpec = base
	virtualSpec.Name = c.Bridge.VirtualPort

	return realSpec, virtualSpec, nil
}

// SessionBackoff returns the reconnect delay policy
func (c *Config) SessionBackoff() (session.Backoff, error) {
	kind, err := session.ParseBackoffKind(c.Reconnect.Backoff)
	if err != nil {
		return session.Backoff{}, err
	}
	return session.Backoff{
		Kind:       kind,
		Initial:    time.Duration(c.Reconnect.InitialDelayMs) * time.Millisecond,
		Max:        time.Duration(c.Reconnect.MaxDelayMs) * time.Millisecond,
		Multiplier: c.Reconnect.Multiplier,
	}, nil
}

// SessionReleaseMode returns the release mode, or never when auto release
// is off.
func (c *Config) SessionReleaseMode() (session.ReleaseMode, error) {
	if !c.Bridge.AutoRelease {
		return session.ReleaseNever, nil
	}
	return session.ParseReleaseMode(c.Bridge.ReleaseMode)
}

// TrafficPath returns the traffic log file, deriving a timestamped name
// under Dir when File is unset.
func (c *Config) TrafficPath(now time.Time) string {
	if c.Traffic.File != "" {
		return c.Traffic.File
	}
	return traffic.DefaultPath(c.Traffic.Dir, c.Traffic.Prefix, now)
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BAUDBRIDGE_REAL_PORT"); v != "" {
		c.Bridge.RealPort = v
	}
	if v := os.Getenv("BAUDBRIDGE_VIRTUAL_PORT"); v != "" {
		c.Bridge.VirtualPort = v
	}
	if v := os.Getenv("BAUDBRIDGE_BAUD_RATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.Defaults.BaudRate = n
		}
	}
	if v := os.Getenv("BAUDBRIDGE_AUTO_RELEASE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Bridge.AutoRelease = b
		}
	}
	if v := os.Getenv("BAUDBRIDGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("BAUDBRIDGE_HEALTH_ADDRESS"); v != "" {
		c.Health.Address = v
		c.Health.Enabled = true
	}
	if v := os.Getenv("BAUDBRIDGE_TLS_ENABLED"); v == "true" {
		c.TLS.Enabled = true
	}
	if v := os.Getenv("BAUDBRIDGE_TLS_CERT"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("BAUDBRIDGE_TLS_KEY"); v != "" {
		c.TLS.KeyFile = v
	}
}

// DefaultConfigPath returns the default configuration file path for the current OS
func DefaultConfigPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "BaudBridge", "bridge.yaml")
	case "darwin":
		return "/usr/local/etc/baudbridge/bridge.yaml"
	default:
		return "/etc/baudbridge/bridge.yaml"
	}
}
