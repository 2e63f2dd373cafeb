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
	"os"

	"github.com/spf13/cobra"

	"github.com/Shoaibashk/BaudBridge/internal/serial"
	"github.com/Shoaibashk/BaudBridge/internal/session"
)

// Version information (will be set by goreleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes reported by Execute
const (
	exitOK        = 0
	exitFailure   = 1
	exitConfig    = 2
	exitExhausted = 3
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "baudbridge",
	Short: "BaudBridge - Serial port bridge with traffic logging",
	Long: `BaudBridge connects a physical serial device to a virtual serial port
and forwards bytes in both directions while recording the traffic.

Features:
  • List serial ports and see which process holds them
  • Release ports locked by other programs
  • Full duplex forwarding with per-direction statistics
  • Automatic reconnect with exponential or fixed backoff
  • Bounded traffic log that never stalls the bridge
  • gRPC health endpoint for supervisors
  • Run as Windows Service or systemd service

Quick Start:
  baudbridge ports                             # List available serial ports
  baudbridge bridge -r /dev/ttyUSB0 -v /dev/tnt0
  baudbridge release COM3                      # Free a locked port
  baudbridge service install                   # Install as system service`,
	Version: version,
}

// configError marks a failure caused by bad settings rather than by the
// devices, so the process exits with exitConfig.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }

func (e *configError) Unwrap() error { return e.err }

// exitCode maps a command error onto the process exit status
func exitCode(err error) int {
	var exhausted *session.RetriesExhaustedError
	var cfgErr *configError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &exhausted):
		return exitExhausted
	case errors.As(err, &cfgErr), serial.IsConfigurationError(err):
		return exitConfig
	default:
		return exitFailure
	}
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if code := exitCode(err); code != exitOK {
		os.Exit(code)
	}
}

func init() {
	// Set version template to include build info
	rootCmd.SetVersionTemplate(`{{.Name}} version {{.Version}}
commit: ` + commit + `
built at: ` + date + `
`)
}

// wrapConfigError tags err as a configuration failure
func wrapConfigError(format string, err error) error {
	return &configError{err: fmt.Errorf(format, err)}
}
