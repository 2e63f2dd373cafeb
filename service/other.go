//go:build !linux && !darwin && !windows

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

package service

import (
	"context"
	"errors"

	"github.com/Shoaibashk/BaudBridge/config"
)

// ErrUnsupported is returned by service management on platforms without a
// supported service manager.
var ErrUnsupported = errors.New("service management is not supported on this platform")

// Run calls run directly
func Run(name string, run func(ctx context.Context) error) error {
	return run(context.Background())
}

func Install(cfg *config.Config) error   { return ErrUnsupported }
func Uninstall(cfg *config.Config) error { return ErrUnsupported }
func Start(cfg *config.Config) error     { return ErrUnsupported }
func Stop(cfg *config.Config) error      { return ErrUnsupported }

func Status(cfg *config.Config) (string, error) { return "", ErrUnsupported }

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return config.DefaultConfigPath()
}

// GetLogPath returns the traffic log directory
func GetLogPath() string {
	return "logs"
}
