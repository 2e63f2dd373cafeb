//go:build windows

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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/debug"
	"golang.org/x/sys/windows/svc/eventlog"
	"golang.org/x/sys/windows/svc/mgr"

	"github.com/Shoaibashk/BaudBridge/config"
)

var elog debug.Log

// bridgeService hosts a bridge run under the Windows service manager.
// A stop request cancels the bridge context.
type bridgeService struct {
	run func(ctx context.Context) error
	err error
}

// Execute implements the svc.Handler interface
func (bs *bridgeService) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (ssec bool, errno uint32) {
	const cmdsAccepted = svc.AcceptStop | svc.AcceptShutdown

	changes <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- bs.run(ctx)
	}()

	changes <- svc.Status{State: svc.Running, Accepts: cmdsAccepted}

	for {
		select {
		case err := <-errChan:
			bs.err = err
			if err != nil {
				elog.Error(1, fmt.Sprintf("Bridge stopped: %v", err))
				return true, 1
			}
			return false, 0
		case c := <-r:
			switch c.Cmd {
			case svc.Interrogate:
				changes <- c.CurrentStatus
			case svc.Stop, svc.Shutdown:
				elog.Info(1, "Service stop requested")
				changes <- svc.Status{State: svc.StopPending}
				cancel()
				bs.err = <-errChan
				return false, 0
			default:
				elog.Error(1, fmt.Sprintf("Unexpected control request #%d", c))
			}
		}
	}
}

// Run hosts the bridge. Under the service manager a stop request cancels
// the context passed to run; from a console run is called directly.
func Run(name string, run func(ctx context.Context) error) error {
	isService, err := svc.IsWindowsService()
	if err != nil {
		return fmt.Errorf("failed to determine if running as service: %w", err)
	}

	if !isService {
		return run(context.Background())
	}

	elog, err = eventlog.Open(name)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer elog.Close()

	elog.Info(1, fmt.Sprintf("Starting %s service", name))

	bs := &bridgeService{run: run}
	if err := svc.Run(name, bs); err != nil {
		elog.Error(1, fmt.Sprintf("Service failed: %v", err))
		return err
	}

	elog.Info(1, "Service stopped")
	return bs.err
}

// withService connects to the service manager and calls fn with the
// named service.
func withService(name string, fn func(s *mgr.Service) error) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to service manager: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(name)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", errNotInstalled, name, err)
	}
	defer s.Close()
	return fn(s)
}

var errNotInstalled = errors.New("service not installed")

// Install registers the bridge with the service manager, with restart
// recovery actions unless the policy is never.
func Install(cfg *config.Config) error {
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	configPath := GetConfigPath()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := cfg.Save(configPath); err != nil {
			fmt.Printf("Warning: failed to save config: %v\n", err)
		}
	}
	if err := os.MkdirAll(GetLogPath(), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to service manager: %w", err)
	}
	defer m.Disconnect()

	startType := uint32(mgr.StartManual)
	if cfg.Service.AutoStart {
		startType = mgr.StartAutomatic
	}
	s, err := m.CreateService(cfg.Service.Name, exePath, mgr.Config{
		DisplayName: cfg.Service.DisplayName,
		Description: cfg.Service.Description,
		StartType:   startType,
	}, "bridge", "--config", configPath)
	if err != nil {
		return fmt.Errorf("failed to create service %s: %w", cfg.Service.Name, err)
	}
	defer s.Close()

	if cfg.Service.RestartPolicy != "never" {
		delay := time.Duration(cfg.Service.RestartDelay) * time.Second
		actions := []mgr.RecoveryAction{
			{Type: mgr.ServiceRestart, Delay: delay},
			{Type: mgr.ServiceRestart, Delay: delay},
			{Type: mgr.NoAction},
		}
		if err := s.SetRecoveryActions(actions, 86400); err != nil {
			fmt.Printf("Warning: failed to set recovery actions: %v\n", err)
		}
	}

	if err := eventlog.InstallAsEventCreate(cfg.Service.Name, eventlog.Error|eventlog.Warning|eventlog.Info); err != nil {
		s.Delete()
		return fmt.Errorf("failed to setup event log: %w", err)
	}

	fmt.Printf("Service %s installed (config %s)\n", cfg.Service.Name, configPath)
	return nil
}

// Uninstall deletes the service and its event log source
func Uninstall(cfg *config.Config) error {
	err := withService(cfg.Service.Name, func(s *mgr.Service) error {
		return s.Delete()
	})
	if err != nil {
		return err
	}
	if err := eventlog.Remove(cfg.Service.Name); err != nil {
		fmt.Printf("Warning: failed to remove event log: %v\n", err)
	}
	fmt.Printf("Service %s removed\n", cfg.Service.Name)
	return nil
}

func Start(cfg *config.Config) error {
	err := withService(cfg.Service.Name, func(s *mgr.Service) error {
		return s.Start()
	})
	if err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	fmt.Printf("Service %s started\n", cfg.Service.Name)
	return nil
}

// Stop asks the service to stop and waits up to 30s for it
func Stop(cfg *config.Config) error {
	err := withService(cfg.Service.Name, func(s *mgr.Service) error {
		status, err := s.Control(svc.Stop)
		for deadline := time.Now().Add(30 * time.Second); err == nil && status.State != svc.Stopped; {
			if time.Now().After(deadline) {
				return errors.New("timeout waiting for service to stop")
			}
			time.Sleep(500 * time.Millisecond)
			status, err = s.Query()
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to stop service: %w", err)
	}
	fmt.Printf("Service %s stopped\n", cfg.Service.Name)
	return nil
}

var stateNames = map[svc.State]string{
	svc.Stopped:         "stopped",
	svc.StartPending:    "starting",
	svc.StopPending:     "stopping",
	svc.Running:         "running",
	svc.ContinuePending: "continuing",
	svc.PausePending:    "pausing",
	svc.Paused:          "paused",
}

func Status(cfg *config.Config) (string, error) {
	state := "unknown"
	err := withService(cfg.Service.Name, func(s *mgr.Service) error {
		status, err := s.Query()
		if name, ok := stateNames[status.State]; ok && err == nil {
			state = name
		}
		return err
	})
	if errors.Is(err, errNotInstalled) {
		return "not installed", nil
	}
	return state, err
}

// GetConfigPath returns the config path for Windows
func GetConfigPath() string {
	return config.DefaultConfigPath()
}

// GetLogPath returns the traffic log directory for Windows
func GetLogPath() string {
	programData := os.Getenv("ProgramData")
	if programData == "" {
		programData = `C:\ProgramData`
	}
	return filepath.Join(programData, "BaudBridge", "logs")
}
