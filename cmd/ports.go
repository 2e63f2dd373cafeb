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
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Shoaibashk/BaudBridge/internal/serial"
)

// portsCmd represents the ports command
var portsCmd = &cobra.Command{
	Use:     "ports",
	Aliases: []string{"list-ports", "scan", "list"},
	Short:   "List available serial ports",
	Long: `List all serial ports on this system together with their lock state.

Ports held open by another process show the holder's PID and command when
the operating system exposes it.

Example:
  baudbridge ports
  baudbridge ports --verbose
  baudbridge ports --json`,
	RunE: runPorts,
}

func init() {
	rootCmd.AddCommand(portsCmd)

	portsCmd.Flags().Bool("json", false, "output in JSON format")
	portsCmd.Flags().BoolP("verbose", "v", false, "show detailed port information")
	portsCmd.Flags().Bool("all", false, "ignore the configured exclude patterns")
	portsCmd.Flags().StringP("config", "c", "", "config file path")
}

func runPorts(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	verbose, _ := cmd.Flags().GetBool("verbose")
	all, _ := cmd.Flags().GetBool("all")

	var exclude []string
	if !all {
		cfg, err := loadBridgeConfig(cmd)
		if err != nil {
			return err
		}
		exclude = cfg.Serial.ExcludePatterns
	}

	reg, err := serial.NewRegistry(exclude, nil)
	if err != nil {
		return err
	}

	var ports []serial.PortInfo
	for info, err := range reg.ListPorts() {
		if err != nil {
			return fmt.Errorf("failed to list ports: %w", err)
		}
		ports = append(ports, info)
	}

	if jsonOutput {
		return printPortsJSON(os.Stdout, ports)
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found.")
		return nil
	}

	fmt.Printf("Found %d serial port(s):\n\n", len(ports))
	if verbose {
		for _, port := range ports {
			printPortVerbose(os.Stdout, port)
		}
		return nil
	}
	renderPortsTable(os.Stdout, ports)
	return nil
}

func printPortsJSON(w io.Writer, ports []serial.PortInfo) error {
	if ports == nil {
		ports = []serial.PortInfo{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(ports)
}

// portStatus describes who holds a port
func portStatus(port serial.PortInfo) string {
	if !port.Locked {
		return "available"
	}
	if port.LockHolder == "" {
		return "locked"
	}
	return "locked by " + port.LockHolder
}

// renderPortsTable renders the port list in a styled static table format
func renderPortsTable(w io.Writer, ports []serial.PortInfo) {
	const (
		portWidth   = 18
		typeWidth   = 10
		statusWidth = 28
	)

	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("99")).
		Border(lipgloss.NormalBorder(), false, false, true, false).
		BorderForeground(lipgloss.Color("240"))
	cellStyle := lipgloss.NewStyle().PaddingRight(2)
	lockedStyle := cellStyle.Foreground(lipgloss.Color("9"))

	header := fmt.Sprintf("%-*s %-*s %-*s %s",
		portWidth, "Port",
		typeWidth, "Type",
		statusWidth, "Status",
		"Description")
	fmt.Fprintln(w, headerStyle.Render(header))

	for _, port := range ports {
		row := fmt.Sprintf("%-*s %-*s %-*s %s",
			portWidth, port.Name,
			typeWidth, port.PortType,
			statusWidth, portStatus(port),
			port.Description)
		if port.Locked {
			fmt.Fprintln(w, lockedStyle.Render(row))
		} else {
			fmt.Fprintln(w, cellStyle.Render(row))
		}
	}
}

func printPortVerbose(w io.Writer, port serial.PortInfo) {
	fmt.Fprintf(w, "  %s\n", port.Name)
	fmt.Fprintf(w, "    Description:  %s\n", port.Description)
	fmt.Fprintf(w, "    Type:         %s\n", port.PortType)
	if port.HardwareID != "" {
		fmt.Fprintf(w, "    Hardware ID:  %s\n", port.HardwareID)
	}
	if port.Product != "" {
		fmt.Fprintf(w, "    Product:      %s\n", port.Product)
	}
	if port.SerialNumber != "" {
		fmt.Fprintf(w, "    Serial:       %s\n", port.SerialNumber)
	}
	if port.VID != "" && port.PID != "" {
		fmt.Fprintf(w, "    VID/PID:      %s:%s\n", port.VID, port.PID)
	}
	fmt.Fprintf(w, "    Status:       %s\n", portStatus(port))
	fmt.Fprintln(w)
}
