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
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Shoaibashk/BaudBridge/config"
	"github.com/Shoaibashk/BaudBridge/internal/logging"
	"github.com/Shoaibashk/BaudBridge/internal/serial"
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// releaseCmd represents the release command
var releaseCmd = &cobra.Command{
	Use:   "release <port>...",
	Short: "Release serial ports locked by other processes",
	Long: `Release serial ports held open by other processes.

Each holder is asked to exit and is killed if it is still running after
the grace period. Releasing a port nobody holds succeeds. Killing
processes owned by other users needs elevated privileges.

Example:
  baudbridge release COM3
  sudo baudbridge release /dev/ttyUSB0 /dev/ttyUSB1 --grace 5s`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRelease,
}

func init() {
	rootCmd.AddCommand(releaseCmd)

	releaseCmd.Flags().Duration("grace", 2*time.Second, "how long holders get to exit before they are killed")
	releaseCmd.Flags().Bool("debug", false, "enable debug logging")
}

func runRelease(cmd *cobra.Command, args []string) error {
	grace, _ := cmd.Flags().GetDuration("grace")
	debug, _ := cmd.Flags().GetBool("debug")

	logCfg := config.DefaultConfig().Logging
	logCfg.Level = "warn"
	if debug {
		logCfg.Level = "debug"
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return wrapConfigError("failed to set up logging: %w", err)
	}
	defer logger.Sync()

	reg, err := serial.NewRegistry(nil, logger)
	if err != nil {
		return err
	}
	reg.ReleaseGrace = grace

	cmd.SilenceUsage = true
	var errs []error
	for _, port := range args {
		if err := reg.ForceRelease(port); err != nil {
			logger.Debug("release failed", zap.String("port", port), zap.Error(err))
			fmt.Println(failStyle.Render(fmt.Sprintf("Failed to release port %s: %v", port, err)))
			errs = append(errs, err)
			continue
		}
		fmt.Println(okStyle.Render(fmt.Sprintf("Successfully released port %s", port)))
	}
	return errors.Join(errs...)
}
