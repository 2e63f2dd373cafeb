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
	"github.com/spf13/cobra"

	"github.com/Shoaibashk/BaudBridge/config"
)

// MIKON-207 line settings
const (
	mikonPort     = "COM11"
	mikonBaudRate = 57600
)

// mikonCmd represents the mikon command
var mikonCmd = &cobra.Command{
	Use:   "mikon",
	Short: "Start a bridge preconfigured for the MIKON-207 device",
	Long: `Start a bridge with the line settings the MIKON-207 expects:
57600 baud, 8 data bits, mark parity, 1 stop bit, hardware flow control,
DTR set and RTS clear. Traffic is logged to ./logs/mikon-TIMESTAMP.log.

Example:
  baudbridge mikon -v COM4
  baudbridge mikon -p /dev/ttyUSB0 -v /dev/tnt0`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadBridgeConfig(cmd)
		if err != nil {
			return err
		}
		applyMikonPreset(cfg)

		if cmd.Flags().Changed("port") {
			cfg.Bridge.RealPort, _ = cmd.Flags().GetString("port")
		}
		if err := applyBridgeFlags(cmd, cfg); err != nil {
			return err
		}
		return runBridge(cmd, cfg, "Starting MIKON-207 bridge")
	},
}

func init() {
	rootCmd.AddCommand(mikonCmd)

	flags := mikonCmd.Flags()
	flags.StringP("config", "c", "", "config file path")
	flags.StringP("port", "p", mikonPort, "real serial port the MIKON-207 is attached to")
	flags.StringP("virtual-port", "v", "", "virtual serial port for the application")
	flags.IntP("baud-rate", "b", mikonBaudRate, "baud rate")
	addCommonBridgeFlags(mikonCmd)
}

// applyMikonPreset overwrites the line settings with the MIKON-207 ones
func applyMikonPreset(cfg *config.Config) {
	dtr, rts := true, false

	cfg.Bridge.RealPort = mikonPort
	cfg.Serial.Defaults.BaudRate = mikonBaudRate
	cfg.Serial.Defaults.DataBits = 8
	cfg.Serial.Defaults.Parity = "mark"
	cfg.Serial.Defaults.StopBits = "1"
	cfg.Serial.Defaults.FlowControl = "hardware"
	cfg.Serial.Defaults.DTR = &dtr
	cfg.Serial.Defaults.RTS = &rts
	cfg.Serial.Defaults.ReadTimeoutMs = 10
	cfg.Traffic.Prefix = "mikon"
}
