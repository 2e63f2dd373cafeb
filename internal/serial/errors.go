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

	"go.bug.st/serial"
)

// Common errors
var (
	ErrPortNotFound       = errors.New("port not found")
	ErrPortBusy           = errors.New("port is busy")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrPortInUse          = errors.New("port is held by an active bridge in this process")
	ErrPortClosed         = errors.New("port has been closed")
	ErrInvalidConfig      = errors.New("invalid port configuration")
	ErrWriteTimeout       = errors.New("write timeout")
	ErrShortWrite         = errors.New("short write")
	ErrHolderPersists     = errors.New("port is still locked after release attempt")
	ErrHolderUnknown      = errors.New("port is locked but its holder cannot be identified")
	ErrReleaseUnsupported = errors.New("force release is not supported on this platform")
)

// PortOpenError reports a failure to acquire a port: missing device,
// permission denied or already locked.
type PortOpenError struct {
	Port string
	Err  error
}

func (e *PortOpenError) Error() string {
	return fmt.Sprintf("open %s: %v", e.Port, e.Err)
}

func (e *PortOpenError) Unwrap() error { return e.Err }

// PortIOError reports a read or write failure on an open port.
type PortIOError struct {
	Port string
	Op   string
	Err  error
}

func (e *PortIOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Port, e.Err)
}

func (e *PortIOError) Unwrap() error { return e.Err }

// ReleaseError reports that a force release was attempted and the port
// is still held, or the OS refused the operation.
type ReleaseError struct {
	Port    string
	Holders []Holder
	Err     error
}

func (e *ReleaseError) Error() string {
	if len(e.Holders) > 0 {
		return fmt.Sprintf("release %s (held by %s): %v", e.Port, e.Holders[0], e.Err)
	}
	return fmt.Sprintf("release %s: %v", e.Port, e.Err)
}

func (e *ReleaseError) Unwrap() error { return e.Err }

// ConfigurationError reports a static misconfiguration. It is never
// retried.
type ConfigurationError struct {
	Port   string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Port == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: invalid %s: %s", e.Port, e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrInvalidConfig }

// IsConfigurationError reports whether err carries a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// portErrorCode extracts the driver error code, whether the driver
// returned the error by value or by pointer.
func portErrorCode(err error) (serial.PortErrorCode, bool) {
	var ptr *serial.PortError
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Code(), true
	}
	var val serial.PortError
	if errors.As(err, &val) {
		return val.Code(), true
	}
	return 0, false
}

// classifyOpenError maps driver errors returned while opening a port onto
// the taxonomy above.
func classifyOpenError(name string, err error) error {
	code, ok := portErrorCode(err)
	if !ok {
		return &PortOpenError{Port: name, Err: err}
	}

	switch code {
	case serial.InvalidSpeed:
		return &ConfigurationError{Port: name, Field: "baud rate", Reason: err.Error()}
	case serial.InvalidDataBits:
		return &ConfigurationError{Port: name, Field: "data bits", Reason: err.Error()}
	case serial.InvalidParity:
		return &ConfigurationError{Port: name, Field: "parity", Reason: err.Error()}
	case serial.InvalidStopBits:
		return &ConfigurationError{Port: name, Field: "stop bits", Reason: err.Error()}
	case serial.InvalidTimeoutValue:
		return &ConfigurationError{Port: name, Field: "timeout", Reason: err.Error()}
	case serial.PortBusy:
		return &PortOpenError{Port: name, Err: ErrPortBusy}
	case serial.PortNotFound:
		return &PortOpenError{Port: name, Err: ErrPortNotFound}
	case serial.PermissionDenied:
		return &PortOpenError{Port: name, Err: ErrPermissionDenied}
	default:
		return &PortOpenError{Port: name, Err: err}
	}
}

// classifyIOError wraps a read or write failure.
func classifyIOError(name, op string, err error) error {
	if code, ok := portErrorCode(err); ok && code == serial.PortClosed {
		err = ErrPortClosed
	}
	return &PortIOError{Port: name, Op: op, Err: err}
}
