//go:build linux || darwin

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

// Package service installs and hosts the bridge as a system service.
package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/Shoaibashk/BaudBridge/config"
)

// RestartPreventExitStatus keeps systemd from restarting after a
// configuration error, which the bridge reports as exit code 2.
const systemdServiceTemplate = `[Unit]
Description={{.Description}}
After=dev-serial.target

[Service]
Type=simple
ExecStart={{.ExecPath}} bridge --config {{.ConfigPath}}
Restart={{.RestartPolicy}}
RestartSec={{.RestartDelay}}
RestartPreventExitStatus=2
KillSignal=SIGTERM
TimeoutStopSec=10
User={{.User}}
SupplementaryGroups={{.SerialGroup}}
WorkingDirectory={{.LogPath}}

# Security settings
NoNewPrivileges=true
ProtectSystem=strict
ProtectHome=true
ReadWritePaths={{.LogPath}} {{.ConfigDir}} /run/lock

[Install]
WantedBy=multi-user.target
`

// Run hosts the bridge. Under systemd the process runs in the
// foreground, so run is called directly.
func Run(name string, run func(ctx context.Context) error) error {
	return run(context.Background())
}

// unitData holds data for the systemd template
type unitData struct {
	Description   string
	ExecPath      string
	ConfigPath    string
	ConfigDir     string
	LogPath       string
	User          string
	SerialGroup   string
	RestartPolicy string
	RestartDelay  int
}

func newUnitData(cfg *config.Config, exePath string) unitData {
	configPath := GetConfigPath()
	return unitData{
		Description:   cfg.Service.Description,
		ExecPath:      exePath,
		ConfigPath:    configPath,
		ConfigDir:     filepath.Dir(configPath),
		LogPath:       GetLogPath(),
		User:          "root",
		SerialGroup:   "dialout",
		RestartPolicy: convertRestartPolicy(cfg.Service.RestartPolicy),
		RestartDelay:  cfg.Service.RestartDelay,
	}
}

// renderUnit writes the unit file for data to w
func renderUnit(w io.Writer, data unitData) error {
	tmpl, err := template.New("systemd").Parse(systemdServiceTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse template: %w", err)
	}
	if err := tmpl.Execute(w, data); err != nil {
		return fmt.Errorf("failed to write service file: %w", err)
	}
	return nil
}

// Install installs the systemd service
func Install(cfg *config.Config) error {
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// Get absolute path
	exePath, err = filepath.Abs(exePath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	data := newUnitData(cfg, exePath)

	// Ensure directories exist
	if err := os.MkdirAll(data.ConfigDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.MkdirAll(data.LogPath, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	// Copy config if it doesn't exist
	if _, err := os.Stat(data.ConfigPath); os.IsNotExist(err) {
		if err := cfg.Save(data.ConfigPath); err != nil {
			fmt.Printf("Warning: failed to save config: %v\n", err)
		}
	}
	if cfg.Bridge.RealPort == "" || cfg.Bridge.VirtualPort == "" {
		fmt.Printf("Warning: set bridge.real_port and bridge.virtual_port in %s before starting\n", data.ConfigPath)
	}

	// Write service file
	servicePath := unitPath(cfg.Service.Name)
	f, err := os.Create(servicePath)
	if err != nil {
		return fmt.Errorf("failed to create service file: %w", err)
	}
	defer f.Close()

	if err := renderUnit(f, data); err != nil {
		return err
	}

	// Reload systemd
	if err := runCommand("systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("failed to reload systemd: %w", err)
	}

	// Enable service if auto-start is configured
	if cfg.Service.AutoStart {
		if err := runCommand("systemctl", "enable", cfg.Service.Name); err != nil {
			fmt.Printf("Warning: failed to enable service: %v\n", err)
		}
	}

	fmt.Printf("Service %s installed successfully\n", cfg.Service.Name)
	fmt.Printf("  Config: %s\n", data.ConfigPath)
	fmt.Printf("  Traffic logs: %s\n", data.LogPath)
	fmt.Println()
	fmt.Println("To start the service:")
	fmt.Printf("  sudo systemctl start %s\n", cfg.Service.Name)
	fmt.Println()
	fmt.Println("To follow the bridge:")
	fmt.Printf("  journalctl -u %s -f\n", cfg.Service.Name)

	return nil
}

// Uninstall removes the systemd service
func Uninstall(cfg *config.Config) error {
	// Stop the service first
	_ = Stop(cfg)

	// Disable the service
	_ = runCommand("systemctl", "disable", cfg.Service.Name)

	if err := os.Remove(unitPath(cfg.Service.Name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove service file: %w", err)
	}

	// Reload systemd
	if err := runCommand("systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("failed to reload systemd: %w", err)
	}

	fmt.Printf("Service %s removed successfully\n", cfg.Service.Name)
	return nil
}

// Start starts the systemd service
func Start(cfg *config.Config) error {
	if err := runCommand("systemctl", "start", cfg.Service.Name); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	fmt.Printf("Service %s started\n", cfg.Service.Name)
	return nil
}

// Stop stops the systemd service
func Stop(cfg *config.Config) error {
	if err := runCommand("systemctl", "stop", cfg.Service.Name); err != nil {
		return fmt.Errorf("failed to stop service: %w", err)
	}
	fmt.Printf("Service %s stopped\n", cfg.Service.Name)
	return nil
}

// Status returns the status of the systemd service
func Status(cfg *config.Config) (string, error) {
	out, err := exec.Command("systemctl", "is-active", cfg.Service.Name).Output()
	if err != nil {
		// is-active returns exit code 3 for inactive/failed
		status := strings.TrimSpace(string(out))
		if status == "" {
			return "not installed", nil
		}
		return status, nil
	}
	return strings.TrimSpace(string(out)), nil
}

// GetConfigPath returns the config path for Linux/macOS
func GetConfigPath() string {
	return config.DefaultConfigPath()
}

// GetLogPath returns the traffic log directory for Linux/macOS
func GetLogPath() string {
	return "/var/log/baudbridge"
}

func unitPath(name string) string {
	return fmt.Sprintf("/etc/systemd/system/%s.service", name)
}

// runCommand runs a command and returns an error if it fails
func runCommand(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// convertRestartPolicy converts our restart policy to systemd format
func convertRestartPolicy(policy string) string {
	switch strings.ToLower(policy) {
	case "always":
		return "always"
	case "on-failure":
		return "on-failure"
	case "never":
		return "no"
	default:
		return "on-failure"
	}
}
