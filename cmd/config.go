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
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Shoaibashk/BaudBridge/config"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage bridge configuration",
	Long: `Manage the BaudBridge configuration.

Subcommands:
  init    - Create a default configuration file
  show    - Display current configuration
  path    - Show the default configuration file path`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("output")
		if path == "" {
			path = config.DefaultConfigPath()
		}

		cfg := config.DefaultConfig()
		if err := cfg.Save(path); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Configuration file created: %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if path == "" {
			path = config.DefaultConfigPath()
		}

		cfg, err := config.LoadOrDefault(path)
		if err != nil {
			return wrapConfigError("failed to load config: %w", err)
		}

		fmt.Printf("Configuration from: %s\n\n", path)
		printConfig(os.Stdout, cfg)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the default configuration file path",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(config.DefaultConfigPath())
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)

	configInitCmd.Flags().StringP("output", "o", "", "output path for config file")
	configShowCmd.Flags().StringP("config", "c", "", "config file path")
}

func printConfig(w io.Writer, cfg *config.Config) {
	d := cfg.Serial.Defaults
	fmt.Fprintf(w, "Bridge:\n")
	fmt.Fprintf(w, "  Real Port:        %s\n", cfg.Bridge.RealPort)
	fmt.Fprintf(w, "  Virtual Port:     %s\n", cfg.Bridge.VirtualPort)
	fmt.Fprintf(w, "  Auto Release:     %v (%s)\n", cfg.Bridge.AutoRelease, cfg.Bridge.ReleaseMode)
	fmt.Fprintf(w, "  Buffer Size:      %d\n", cfg.Bridge.BufferSize)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Serial Defaults:\n")
	fmt.Fprintf(w, "  Baud Rate:        %d\n", d.BaudRate)
	fmt.Fprintf(w, "  Data Bits:        %d\n", d.DataBits)
	fmt.Fprintf(w, "  Parity:           %s\n", d.Parity)
	fmt.Fprintf(w, "  Stop Bits:        %s\n", d.StopBits)
	fmt.Fprintf(w, "  Flow Control:     %s\n", d.FlowControl)
	fmt.Fprintf(w, "  Scan Interval:    %ds\n", cfg.Serial.ScanInterval)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Reconnect:\n")
	fmt.Fprintf(w, "  Enabled:          %v\n", cfg.Reconnect.Enabled)
	fmt.Fprintf(w, "  Max Retries:      %d\n", cfg.Reconnect.MaxRetries)
	fmt.Fprintf(w, "  Backoff:          %s (%dms to %dms)\n", cfg.Reconnect.Backoff, cfg.Reconnect.InitialDelayMs, cfg.Reconnect.MaxDelayMs)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Traffic:\n")
	fmt.Fprintf(w, "  Enabled:          %v\n", cfg.Traffic.Enabled)
	fmt.Fprintf(w, "  Directory:        %s\n", cfg.Traffic.Dir)
	fmt.Fprintf(w, "  Format:           %s\n", cfg.Traffic.Format)
	fmt.Fprintf(w, "  Verbosity:        %s\n", cfg.Traffic.Verbosity)
	fmt.Fprintf(w, "  Queue Size:       %d\n", cfg.Traffic.QueueSize)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Health:\n")
	fmt.Fprintf(w, "  Enabled:          %v\n", cfg.Health.Enabled)
	fmt.Fprintf(w, "  Address:          %s\n", cfg.Health.Address)
	fmt.Fprintf(w, "  TLS:              %v\n", cfg.TLS.Enabled)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Logging:\n")
	fmt.Fprintf(w, "  Level:  %s\n", cfg.Logging.Level)
	fmt.Fprintf(w, "  Format: %s\n", cfg.Logging.Format)
}
