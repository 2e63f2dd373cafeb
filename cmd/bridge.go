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
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Shoaibashk/BaudBridge/config"
	"github.com/Shoaibashk/BaudBridge/internal/health"
	"github.com/Shoaibashk/BaudBridge/internal/logging"
	"github.com/Shoaibashk/BaudBridge/internal/serial"
	"github.com/Shoaibashk/BaudBridge/internal/session"
	"github.com/Shoaibashk/BaudBridge/internal/traffic"
	"github.com/Shoaibashk/BaudBridge/service"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Bridge a real serial port to a virtual one",
	Long: `Start a bridge between a real serial port (connected to hardware) and a
virtual serial port (used by applications).

Every byte read from one port is written to the other. Traffic is recorded
to a log file; entries coming from the device are labelled "response" and
entries going to the device "request".

Flags override the configuration file, which overrides the defaults.

Example:
  baudbridge bridge -r /dev/ttyUSB0 -v /dev/tnt0
  baudbridge bridge -r COM3 -v COM4 -b 115200 -p E
  baudbridge bridge --config /etc/baudbridge/bridge.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadBridgeConfig(cmd)
		if err != nil {
			return err
		}
		if err := applyBridgeFlags(cmd, cfg); err != nil {
			return err
		}
		return runBridge(cmd, cfg, "Starting bridge")
	},
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
	addBridgeFlags(bridgeCmd)
}

// addBridgeFlags registers the line and bridge flags shared by bridge
// and its tests.
func addBridgeFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringP("config", "c", "", "config file path")
	flags.StringP("real-port", "r", "", "real serial port (e.g. COM3 or /dev/ttyUSB0)")
	flags.StringP("virtual-port", "v", "", "virtual serial port (e.g. COM4 or /dev/tnt0)")
	flags.IntP("baud-rate", "b", 9600, "baud rate")
	flags.IntP("data-bits", "d", 8, "number of data bits (5-8)")
	flags.StringP("parity", "p", "N", "parity (N=None, E=Even, O=Odd, M=Mark, S=Space)")
	flags.StringP("stop-bits", "s", "1", "stop bits (1, 1.5 or 2)")
	flags.Bool("flow-control", false, "enable hardware flow control on the real port")
	flags.Bool("dtr", false, "set (or with =false clear) the DTR line on connect")
	flags.Bool("rts", false, "set (or with =false clear) the RTS line on connect")
	addCommonBridgeFlags(cmd)
}

// addCommonBridgeFlags registers the flags every bridge-starting command
// accepts, mikon included.
func addCommonBridgeFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringP("log-file", "l", "", "traffic log path (default: ./logs/<prefix>-TIMESTAMP.log)")
	flags.String("log-format", "text", "traffic log format: text or json")
	flags.String("log-verbosity", "payload", "traffic log detail: summary, digest or payload")
	flags.Bool("no-traffic-log", false, "do not record traffic")
	flags.Bool("auto-release", true, "release locked ports before connecting")
	flags.String("release-mode", "first", "when to release ports: never, first, every or on-busy")
	flags.Bool("reconnect", true, "reconnect after the devices fail")
	flags.Int("max-retries", 5, "reconnect attempts before giving up (-1 for unlimited)")
	flags.String("health-address", "", "serve gRPC health checks on this address")
	flags.Bool("debug", false, "enable debug logging")
}

// loadBridgeConfig reads --config, or the default path when it exists
func loadBridgeConfig(cmd *cobra.Command) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadOrDefault(config.DefaultConfigPath())
	}
	if err != nil {
		return nil, wrapConfigError("failed to load config: %w", err)
	}
	return cfg, nil
}

// applyBridgeFlags copies every explicitly set flag onto cfg
func applyBridgeFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()

	stringFlags := map[string]*string{
		"real-port":     &cfg.Bridge.RealPort,
		"virtual-port":  &cfg.Bridge.VirtualPort,
		"parity":        &cfg.Serial.Defaults.Parity,
		"stop-bits":     &cfg.Serial.Defaults.StopBits,
		"log-file":      &cfg.Traffic.File,
		"log-format":    &cfg.Traffic.Format,
		"log-verbosity": &cfg.Traffic.Verbosity,
		"release-mode":  &cfg.Bridge.ReleaseMode,
	}
	for name, dst := range stringFlags {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}

	intFlags := map[string]*int{
		"baud-rate":   &cfg.Serial.Defaults.BaudRate,
		"data-bits":   &cfg.Serial.Defaults.DataBits,
		"max-retries": &cfg.Reconnect.MaxRetries,
	}
	for name, dst := range intFlags {
		if flags.Changed(name) {
			*dst, _ = flags.GetInt(name)
		}
	}

	boolFlags := map[string]*bool{
		"auto-release": &cfg.Bridge.AutoRelease,
		"reconnect":    &cfg.Reconnect.Enabled,
	}
	for name, dst := range boolFlags {
		if flags.Changed(name) {
			*dst, _ = flags.GetBool(name)
		}
	}

	if flags.Changed("flow-control") {
		if on, _ := flags.GetBool("flow-control"); on {
			cfg.Serial.Defaults.FlowControl = "hardware"
		} else {
			cfg.Serial.Defaults.FlowControl = "none"
		}
	}
	if flags.Changed("dtr") {
		dtr, _ := flags.GetBool("dtr")
		cfg.Serial.Defaults.DTR = &dtr
	}
	if flags.Changed("rts") {
		rts, _ := flags.GetBool("rts")
		cfg.Serial.Defaults.RTS = &rts
	}
	if off, _ := flags.GetBool("no-traffic-log"); off {
		cfg.Traffic.Enabled = false
	}
	if addr, _ := flags.GetString("health-address"); addr != "" {
		cfg.Health.Enabled = true
		cfg.Health.Address = addr
	}
	if debug, _ := flags.GetBool("debug"); debug {
		cfg.Logging.Level = "debug"
	}

	if cfg.Bridge.RealPort == "" || cfg.Bridge.VirtualPort == "" {
		return &configError{err: errors.New("both a real port and a virtual port are required")}
	}
	if err := cfg.Validate(); err != nil {
		return wrapConfigError("invalid configuration: %w", err)
	}
	return nil
}

// sessionOptions derives the session settings from a validated config
func sessionOptions(cfg *config.Config) (session.Options, error) {
	realSpec, virtualSpec, err := cfg.PortSpecs()
	if err != nil {
		return session.Options{}, err
	}
	backoff, err := cfg.SessionBackoff()
	if err != nil {
		return session.Options{}, err
	}
	mode, err := cfg.SessionReleaseMode()
	if err != nil {
		return session.Options{}, err
	}

	return session.Options{
		Real:        realSpec,
		Virtual:     virtualSpec,
		ReleaseMode: mode,
		Reconnect:   cfg.Reconnect.Enabled,
		MaxRetries:  cfg.Reconnect.MaxRetries,
		Backoff:     backoff,
		BufferSize:  cfg.Bridge.BufferSize,
	}, nil
}

// runBridge prints the settings and runs the bridge until it is stopped
// or gives up.
func runBridge(cmd *cobra.Command, cfg *config.Config, title string) error {
	opts, err := sessionOptions(cfg)
	if err != nil {
		return wrapConfigError("invalid configuration: %w", err)
	}
	if cfg.Traffic.Enabled {
		cfg.Traffic.File = cfg.TrafficPath(time.Now())
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return wrapConfigError("failed to set up logging: %w", err)
	}
	defer logger.Sync()

	cmd.SilenceUsage = true
	printSettings(title, cfg, opts)

	return service.Run(cfg.Service.Name, func(ctx context.Context) error {
		return serveBridge(ctx, cfg, opts, logger)
	})
}

// serveBridge wires the registry, traffic log, health server and session
// together and blocks until the session ends.
func serveBridge(ctx context.Context, cfg *config.Config, opts session.Options, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := serial.NewRegistry(cfg.Serial.ExcludePatterns, logger)
	if err != nil {
		return err
	}
	reg.ReleaseGrace = time.Duration(cfg.Bridge.ReleaseGraceMs) * time.Millisecond
	defer reg.CloseAll()

	if cfg.Traffic.Enabled {
		verbosity, err := traffic.ParseVerbosity(cfg.Traffic.Verbosity)
		if err != nil {
			return wrapConfigError("invalid configuration: %w", err)
		}
		tlog, err := traffic.Open(cfg.Traffic.File, traffic.Options{
			Capacity:  cfg.Traffic.QueueSize,
			Verbosity: verbosity,
			Format:    cfg.Traffic.Format,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("failed to open traffic log: %w", err)
		}
		defer func() {
			if err := tlog.Close(); err != nil {
				logger.Warn("failed to close traffic log", zap.Error(err))
			}
			if dropped := tlog.Dropped(); dropped > 0 {
				logger.Warn("traffic entries dropped", zap.Uint64("dropped", dropped))
			}
		}()
		opts.Sink = tlog
	}
	opts.Logger = logger

	sess, err := session.New(reg, opts)
	if err != nil {
		return err
	}

	if cfg.Health.Enabled {
		srv, err := startHealthServer(cfg, logger)
		if err != nil {
			return err
		}
		defer srv.Stop()
		sess.OnStateChange(srv.Listener())
	}

	if cfg.Serial.ScanInterval > 0 {
		go reg.Watch(ctx, time.Duration(cfg.Serial.ScanInterval)*time.Second, func(ports []serial.PortInfo) {
			logger.Info("port change detected", zap.Int("ports", len(ports)))
		})
	}

	logger.Info("starting bridge",
		zap.String("version", version),
		zap.String("session", sess.ID),
		zap.Stringer("real", opts.Real),
		zap.Stringer("virtual", opts.Virtual),
		zap.Stringer("release_mode", opts.ReleaseMode))

	runErr := sess.Run(ctx)

	stats := sess.Stats()
	logger.Info("bridge stopped",
		zap.Stringer("state", sess.State()),
		zap.Int("attempts", sess.Attempts()),
		zap.Uint64("real_to_virtual_bytes", stats.RealToVirtual.Bytes),
		zap.Uint64("virtual_to_real_bytes", stats.VirtualToReal.Bytes),
		zap.Uint64("real_to_virtual_errors", stats.RealToVirtual.Errors),
		zap.Uint64("virtual_to_real_errors", stats.VirtualToReal.Errors))
	fmt.Printf("Bridge stopped: %d bytes to %s, %d bytes to %s\n",
		stats.RealToVirtual.Bytes, opts.Virtual.Name,
		stats.VirtualToReal.Bytes, opts.Real.Name)

	return runErr
}

// startHealthServer listens on the configured address and serves health
// checks in the background.
func startHealthServer(cfg *config.Config, logger *zap.Logger) (*health.Server, error) {
	opts := health.Options{
		Reflection: cfg.Health.Reflection,
		Logger:     logger,
	}
	if cfg.TLS.Enabled {
		opts.TLS = &health.TLSFiles{
			CertFile: cfg.TLS.CertFile,
			KeyFile:  cfg.TLS.KeyFile,
			CAFile:   cfg.TLS.CAFile,
		}
	}

	srv, err := health.NewServer(opts)
	if err != nil {
		return nil, wrapConfigError("failed to create health server: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.Health.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	go func() {
		if err := srv.Serve(lis); err != nil {
			logger.Error("health server failed", zap.Error(err))
		}
	}()
	return srv, nil
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	labelStyle = lipgloss.NewStyle().Width(16)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
)

// printSettings shows what the bridge is about to do
func printSettings(title string, cfg *config.Config, opts session.Options) {
	fmt.Println(titleStyle.Render(title))

	row := func(label, value string) {
		fmt.Println(labelStyle.Render(label+":") + valueStyle.Render(value))
	}

	row("Real port", opts.Real.Name)
	row("Virtual port", opts.Virtual.Name)
	row("Baud rate", fmt.Sprintf("%d", opts.Real.BaudRate))
	row("Data bits", fmt.Sprintf("%d", opts.Real.DataBits))
	row("Parity", opts.Real.Parity.String())
	row("Stop bits", opts.Real.StopBits.String())
	row("Flow control", opts.Real.FlowControl.String())
	if opts.Real.DTR != nil {
		row("DTR line", lineState(*opts.Real.DTR))
	}
	if opts.Real.RTS != nil {
		row("RTS line", lineState(*opts.Real.RTS))
	}
	row("Release", opts.ReleaseMode.String())
	if opts.Reconnect {
		retries := "unlimited"
		if opts.MaxRetries >= 0 {
			retries = fmt.Sprintf("%d retries", opts.MaxRetries)
		}
		row("Reconnect", fmt.Sprintf("%s, %s", opts.Backoff.Kind, retries))
	} else {
		row("Reconnect", "disabled")
	}
	if cfg.Traffic.Enabled {
		row("Log file", cfg.Traffic.File)
	} else {
		row("Log file", "disabled")
	}
	if cfg.Health.Enabled {
		row("Health", cfg.Health.Address)
	}
	fmt.Println()
}

func lineState(on bool) string {
	if on {
		return "Set"
	}
	return "Clear"
}
