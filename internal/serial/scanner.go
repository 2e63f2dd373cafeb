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

// Package serial provides serial port handles, discovery, lock detection
// and forced release.
package serial

import (
	"context"
	"iter"
	"regexp"
	"runtime"
	"slices"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
)

// PortType represents the type of serial port
type PortType int

const (
	PortTypeUnknown PortType = iota
	PortTypeUSB
	PortTypeNative
	PortTypeBluetooth
	PortTypeVirtual
)

// String returns the string representation of PortType
func (p PortType) String() string {
	switch p {
	case PortTypeUSB:
		return "USB"
	case PortTypeNative:
		return "Native"
	case PortTypeBluetooth:
		return "Bluetooth"
	case PortTypeVirtual:
		return "Virtual"
	default:
		return "Unknown"
	}
}

// MarshalText renders the type name in JSON listings
func (p PortType) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// PortInfo contains information about a serial port
type PortInfo struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	HardwareID   string   `json:"hardware_id,omitempty"`
	Product      string   `json:"product,omitempty"`
	SerialNumber string   `json:"serial_number,omitempty"`
	VID          string   `json:"vid,omitempty"`
	PID          string   `json:"pid,omitempty"`
	PortType     PortType `json:"port_type"`
	Locked       bool     `json:"locked"`
	LockHolder   string   `json:"lock_holder,omitempty"`
}

// ListPorts enumerates the system's serial ports sorted by name. Each
// range over the returned sequence performs a fresh OS query, including
// one process scan for the lock holders of all listed ports.
func (r *SystemRegistry) ListPorts() iter.Seq2[PortInfo, error] {
	return func(yield func(PortInfo, error) bool) {
		ports, err := r.enumerate()
		if err != nil {
			yield(PortInfo{}, err)
			return
		}

		ports = slices.DeleteFunc(ports, func(p *enumerator.PortDetails) bool {
			return r.isExcluded(p.Name)
		})
		slices.SortFunc(ports, func(a, b *enumerator.PortDetails) int {
			return strings.Compare(a.Name, b.Name)
		})

		var foreign []string
		for _, port := range ports {
			if r.openHandle(port.Name) == nil {
				foreign = append(foreign, port.Name)
			}
		}
		var holders map[string][]Holder
		if len(foreign) > 0 {
			holders, err = r.findHolders(foreign...)
			if err != nil {
				r.logger.Debug("lock holder lookup failed", zap.Error(err))
			}
		}

		for _, port := range ports {
			if !yield(r.describe(port, holders[port.Name]), nil) {
				return
			}
		}
	}
}

// Lookup returns information about a specific port
func (r *SystemRegistry) Lookup(name string) (PortInfo, error) {
	for info, err := range r.ListPorts() {
		if err != nil {
			return PortInfo{}, err
		}
		if info.Name == name {
			return info, nil
		}
	}
	return PortInfo{}, &PortOpenError{Port: name, Err: ErrPortNotFound}
}

// describe builds the PortInfo for one enumerated port held by holders
func (r *SystemRegistry) describe(port *enumerator.PortDetails, holders []Holder) PortInfo {
	info := PortInfo{
		Name:         port.Name,
		Product:      port.Product,
		SerialNumber: port.SerialNumber,
		VID:          port.VID,
		PID:          port.PID,
		PortType:     detectPortType(port),
		Description:  buildDescription(port),
	}

	if port.VID != "" && port.PID != "" {
		info.HardwareID = "USB VID:PID=" + port.VID + ":" + port.PID
	}

	if h := r.openHandle(port.Name); h != nil {
		info.Locked = true
		info.LockHolder = "this process (handle " + h.ID + ")"
		return info
	}

	if len(holders) > 0 {
		info.Locked = true
		info.LockHolder = holders[0].String()
	}

	return info
}

// isExcluded checks if a port should be excluded based on patterns
func (r *SystemRegistry) isExcluded(name string) bool {
	for _, pattern := range r.excludePatterns {
		if pattern.MatchString(name) {
			return true
		}
	}
	return false
}

var (
	bluetoothWindows = regexp.MustCompile(`(?i)bluetooth|bth`)
	bluetoothLinux   = regexp.MustCompile(`/dev/rfcomm`)
	bluetoothDarwin  = regexp.MustCompile(`/dev/.*Bluetooth`)
	virtualLinux     = regexp.MustCompile(`/dev/pts/|/dev/pty|/dev/tnt`)
	virtualWindows   = regexp.MustCompile(`(?i)^CNC[AB]\d+$`)
)

// detectPortType determines the type of port
func detectPortType(port *enumerator.PortDetails) PortType {
	if port.IsUSB {
		return PortTypeUSB
	}

	switch runtime.GOOS {
	case "windows":
		if bluetoothWindows.MatchString(port.Name) {
			return PortTypeBluetooth
		}
		if virtualWindows.MatchString(port.Name) {
			return PortTypeVirtual
		}
	case "linux":
		if bluetoothLinux.MatchString(port.Name) {
			return PortTypeBluetooth
		}
		if virtualLinux.MatchString(port.Name) {
			return PortTypeVirtual
		}
	case "darwin":
		if bluetoothDarwin.MatchString(port.Name) {
			return PortTypeBluetooth
		}
	}

	return PortTypeNative
}

// buildDescription creates a human-readable description for the port
func buildDescription(port *enumerator.PortDetails) string {
	if port.Product != "" {
		return port.Product
	}
	if port.IsUSB {
		return "USB Serial Device"
	}
	return "Serial Port"
}

// Watch rescans every interval until ctx is done and calls fn whenever the
// set of ports or their lock state changes. The ports present when Watch
// starts are the baseline and are not reported.
func (r *SystemRegistry) Watch(ctx context.Context, interval time.Duration, fn func([]PortInfo)) {
	if interval <= 0 {
		return
	}

	last, err := r.scan()
	if err != nil {
		r.logger.Debug("port scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ports, err := r.scan()
			if err != nil {
				r.logger.Debug("port scan failed", zap.Error(err))
				continue
			}

			if !portsEqual(last, ports) {
				last = ports
				fn(ports)
			}
		}
	}
}

// scan collects one full ListPorts pass
func (r *SystemRegistry) scan() ([]PortInfo, error) {
	var ports []PortInfo
	for info, err := range r.ListPorts() {
		if err != nil {
			return nil, err
		}
		ports = append(ports, info)
	}
	return ports, nil
}

// portsEqual compares two port lists for equality
func portsEqual(a, b []PortInfo) bool {
	return slices.EqualFunc(a, b, func(x, y PortInfo) bool {
		return x.Name == y.Name && x.Locked == y.Locked
	})
}
