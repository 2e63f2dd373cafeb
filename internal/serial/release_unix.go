//go:build !windows

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
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// lockDir holds UUCP-style LCK..<device> files
var lockDir = "/var/lock"

// signalProcess asks pid to exit with SIGTERM, or kills it with SIGKILL
// when force is set. A process that is already gone counts as success.
func signalProcess(pid int, force bool) error {
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}

	err := unix.Kill(pid, sig)
	switch {
	case err == nil, errors.Is(err, unix.ESRCH):
		return nil
	case errors.Is(err, unix.EPERM):
		return fmt.Errorf("signal pid %d: %w", pid, ErrPermissionDenied)
	default:
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
}

// devicePath resolves name to the path open descriptors refer to
func devicePath(name string) (string, error) {
	target, err := filepath.EvalSymlinks(name)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrPortNotFound
		}
		return "", err
	}
	return target, nil
}

// clearStaleLockFile removes a LCK..<device> file whose owner no longer
// exists. Files owned by live processes are left alone.
func clearStaleLockFile(name string) error {
	path := filepath.Join(lockDir, "LCK.."+filepath.Base(name))

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("malformed lock file %s: %w", path, err)
	}

	if err := unix.Kill(pid, 0); err == nil || errors.Is(err, unix.EPERM) {
		return nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
