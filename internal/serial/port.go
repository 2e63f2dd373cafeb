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
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
)

// Parity represents the parity setting
type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
	ParityMark
	ParitySpace
)

// String returns the human-readable parity name
func (p Parity) String() string {
	switch p {
	case ParityNone:
		return "None"
	case ParityOdd:
		return "Odd"
	case ParityEven:
		return "Even"
	case ParityMark:
		return "Mark"
	case ParitySpace:
		return "Space"
	default:
		return fmt.Sprintf("Parity(%d)", int(p))
	}
}

// ParseParity accepts the conventional letters N, E, O, M, S as well as
// the full names, case-insensitively.
func ParseParity(s string) (Parity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "n", "none", "":
		return ParityNone, nil
	case "o", "odd":
		return ParityOdd, nil
	case "e", "even":
		return ParityEven, nil
	case "m", "mark":
		return ParityMark, nil
	case "s", "space":
		return ParitySpace, nil
	default:
		return ParityNone, &ConfigurationError{Field: "parity", Reason: fmt.Sprintf("unknown parity %q", s)}
	}
}

// StopBits represents the stop bits setting
type StopBits int

const (
	StopBits1 StopBits = iota
	StopBits1Half
	StopBits2
)

// String returns the stop bits as written on the command line
func (s StopBits) String() string {
	switch s {
	case StopBits1:
		return "1"
	case StopBits1Half:
		return "1.5"
	case StopBits2:
		return "2"
	default:
		return fmt.Sprintf("StopBits(%d)", int(s))
	}
}

// ParseStopBits accepts "1", "1.5" and "2".
func ParseStopBits(s string) (StopBits, error) {
	switch strings.TrimSpace(s) {
	case "1", "":
		return StopBits1, nil
	case "1.5":
		return StopBits1Half, nil
	case "2":
		return StopBits2, nil
	default:
		return StopBits1, &ConfigurationError{Field: "stop bits", Reason: fmt.Sprintf("unknown stop bits %q", s)}
	}
}

// FlowControl represents the flow control setting
type FlowControl int

const (
	FlowControlNone FlowControl = iota
	FlowControlHardware
)

// String returns the flow control name
func (f FlowControl) String() string {
	if f == FlowControlHardware {
		return "hardware"
	}
	return "none"
}

// ParseFlowControl accepts "none" and "hardware" (or "rtscts").
func ParseFlowControl(s string) (FlowControl, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "", "off":
		return FlowControlNone, nil
	case "hardware", "rtscts", "on":
		return FlowControlHardware, nil
	default:
		return FlowControlNone, &ConfigurationError{Field: "flow control", Reason: fmt.Sprintf("unknown flow control %q", s)}
	}
}

// PortSpec describes one serial endpoint. It is validated when the port is
// opened and never mutated afterwards.
type PortSpec struct {
	Name         string
	BaudRate     int
	DataBits     int
	Parity       Parity
	StopBits     StopBits
	FlowControl  FlowControl
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// DTR and RTS set the modem output lines right after open; nil leaves
	// them as the driver set them.
	DTR *bool
	RTS *bool
}

// DefaultSpec returns a 9600 8N1 spec for the named port
func DefaultSpec(name string) PortSpec {
	return PortSpec{
		Name:         name,
		BaudRate:     9600,
		DataBits:     8,
		Parity:       ParityNone,
		StopBits:     StopBits1,
		FlowControl:  FlowControlNone,
		ReadTimeout:  100 * time.Millisecond,
		WriteTimeout: time.Second,
	}
}

// Validate checks the parameters that can be rejected without touching
// the device. The driver rejects the rest at open time.
func (s PortSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return &ConfigurationError{Field: "port name", Reason: "empty"}
	}
	if s.BaudRate < 1 {
		return &ConfigurationError{Port: s.Name, Field: "baud rate", Reason: fmt.Sprintf("%d", s.BaudRate)}
	}
	if s.DataBits < 5 || s.DataBits > 8 {
		return &ConfigurationError{Port: s.Name, Field: "data bits", Reason: fmt.Sprintf("%d", s.DataBits)}
	}
	if s.Parity < ParityNone || s.Parity > ParitySpace {
		return &ConfigurationError{Port: s.Name, Field: "parity", Reason: s.Parity.String()}
	}
	if s.StopBits < StopBits1 || s.StopBits > StopBits2 {
		return &ConfigurationError{Port: s.Name, Field: "stop bits", Reason: s.StopBits.String()}
	}
	if s.ReadTimeout <= 0 {
		return &ConfigurationError{Port: s.Name, Field: "read timeout", Reason: "must be positive so the relay can observe cancellation"}
	}
	if s.WriteTimeout < 0 {
		return &ConfigurationError{Port: s.Name, Field: "write timeout", Reason: s.WriteTimeout.String()}
	}
	return nil
}

// String formats the spec as name@baud,data,parity,stop
func (s PortSpec) String() string {
	return fmt.Sprintf("%s@%d,%d,%s,%s", s.Name, s.BaudRate, s.DataBits, s.Parity.String()[:1], s.StopBits)
}

// toSerialMode converts PortSpec to serial.Mode
func (s PortSpec) toSerialMode() *serial.Mode {
	mode := &serial.Mode{
		BaudRate: s.BaudRate,
		DataBits: s.DataBits,
	}

	switch s.StopBits {
	case StopBits1:
		mode.StopBits = serial.OneStopBit
	case StopBits1Half:
		mode.StopBits = serial.OnePointFiveStopBits
	case StopBits2:
		mode.StopBits = serial.TwoStopBits
	}

	switch s.Parity {
	case ParityNone:
		mode.Parity = serial.NoParity
	case ParityOdd:
		mode.Parity = serial.OddParity
	case ParityEven:
		mode.Parity = serial.EvenParity
	case ParityMark:
		mode.Parity = serial.MarkParity
	case ParitySpace:
		mode.Parity = serial.SpaceParity
	}

	return mode
}
