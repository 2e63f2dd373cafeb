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

package serial

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/windows"
)

// signalProcess terminates pid. Windows has no polite equivalent of
// SIGTERM for console-less processes, so force is ignored.
func signalProcess(pid int, force bool) error {
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		if errors.Is(err, windows.ERROR_ACCESS_DENIED) {
			return fmt.Errorf("open pid %d: %w", pid, ErrPermissionDenied)
		}
		if errors.Is(err, windows.ERROR_INVALID_PARAMETER) {
			return nil
		}
		return fmt.Errorf("open pid %d: %w", pid, err)
	}
	defer windows.CloseHandle(h)

	if err := windows.TerminateProcess(h, 1); err != nil {
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	return nil
}

// devicePath maps a COM name onto its NT device path, e.g. COM3 to
// \Device\Serial2.
func devicePath(name string) (string, error) {
	dev, err := windows.UTF16PtrFromString(strings.TrimPrefix(name, `\\.\`))
	if err != nil {
		return "", err
	}

	buf := make([]uint16, windows.MAX_PATH)
	n, err := windows.QueryDosDevice(dev, &buf[0], uint32(len(buf)))
	if err != nil {
		if errors.Is(err, windows.ERROR_FILE_NOT_FOUND) {
			return "", ErrPortNotFound
		}
		return "", err
	}
	return windows.UTF16ToString(buf[:n]), nil
}

// clearStaleLockFile is a no-op: Windows COM ports have no lock files.
func clearStaleLockFile(name string) error {
	return nil
}
