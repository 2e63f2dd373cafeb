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

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Shoaibashk/BaudBridge/config"
	"github.com/Shoaibashk/BaudBridge/service"
)

// serviceCmd represents the service command
var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the BaudBridge " + serviceManager + " service",
	Long: `Manage the bridge as a ` + serviceManager + ` service.

The service runs "baudbridge bridge --config <path>" so both ports and
every other setting come from the configuration file. Install writes a
default file when none exists; --real-port and --virtual-port update the
ports in that file.

Subcommands:
  install   - Install the service
  uninstall - Remove the service
  start     - Start the service
  stop      - Stop the service
  status    - Check the service status` + serviceNote,
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the " + serviceManager + " service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadServiceConfig(cmd)
		if err != nil {
			return err
		}
		if err := applyInstallPorts(cmd, cfg, service.GetConfigPath()); err != nil {
			return err
		}
		if cfg.Bridge.RealPort == "" || cfg.Bridge.VirtualPort == "" {
			fmt.Println("Warning: no ports configured; edit", service.GetConfigPath(), "before starting the service")
		}
		return service.Install(cfg)
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the " + serviceManager + " service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadServiceConfig(cmd)
		if err != nil {
			return err
		}
		return service.Uninstall(cfg)
	},
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the " + serviceManager + " service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadServiceConfig(cmd)
		if err != nil {
			return err
		}
		return service.Start(cfg)
	},
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the " + serviceManager + " service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadServiceConfig(cmd)
		if err != nil {
			return err
		}
		return service.Stop(cfg)
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the " + serviceManager + " service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadServiceConfig(cmd)
		if err != nil {
			return err
		}
		status, err := service.Status(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("Service %s: %s\n", cfg.Service.Name, status)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
	serviceCmd.AddCommand(serviceStartCmd)
	serviceCmd.AddCommand(serviceStopCmd)
	serviceCmd.AddCommand(serviceStatusCmd)

	serviceCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	addInstallFlags(serviceInstallCmd)
}

func addInstallFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("real-port", "r", "", "real serial port saved to the service config")
	cmd.Flags().StringP("virtual-port", "v", "", "virtual serial port saved to the service config")
}

// applyInstallPorts copies the install port flags into cfg and saves it to
// path when they changed anything, so an existing config file does not
// silently win over them.
func applyInstallPorts(cmd *cobra.Command, cfg *config.Config, path string) error {
	changed := false
	if v, _ := cmd.Flags().GetString("real-port"); v != "" && v != cfg.Bridge.RealPort {
		cfg.Bridge.RealPort = v
		changed = true
	}
	if v, _ := cmd.Flags().GetString("virtual-port"); v != "" && v != cfg.Bridge.VirtualPort {
		cfg.Bridge.VirtualPort = v
		changed = true
	}
	if !changed {
		return nil
	}

	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("failed to save ports to %s: %w", path, err)
	}
	fmt.Printf("Updated ports in %s\n", path)
	return nil
}

func loadServiceConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = service.GetConfigPath()
	}

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, wrapConfigError("failed to load config: %w", err)
	}

	return cfg, nil
}
