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

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Shoaibashk/BaudBridge/config"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "baudbridge.log")
	cfg := config.DefaultConfig().Logging
	cfg.File = path
	cfg.Format = "json"
	cfg.Level = "warn"

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("port released")
	logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if strings.Contains(string(data), "hidden") {
		t.Error("Info should be filtered at warn level")
	}
	if !strings.Contains(string(data), `"msg":"port released"`) {
		t.Errorf("Expected JSON warn entry, got %q", data)
	}
}

func TestNewRejectsBadSettings(t *testing.T) {
	cfg := config.DefaultConfig().Logging
	cfg.Level = "chatty"
	if _, err := New(cfg); err == nil {
		t.Error("Expected error for unknown level")
	}

	cfg = config.DefaultConfig().Logging
	cfg.Format = "xml"
	if _, err := New(cfg); err == nil {
		t.Error("Expected error for unknown format")
	}
}
