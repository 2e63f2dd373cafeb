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

package session

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// State is the lifecycle state of a Session
type State int32

const (
	Connecting State = iota
	Running
	Reconnecting
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Running:
		return "running"
	case Reconnecting:
		return "reconnecting"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions can happen
func (s State) Terminal() bool {
	return s == Stopped || s == Failed
}

// BackoffKind selects how the reconnect delay grows
type BackoffKind int

const (
	BackoffExponential BackoffKind = iota
	BackoffFixed
)

func (k BackoffKind) String() string {
	if k == BackoffFixed {
		return "fixed"
	}
	return "exponential"
}

// ParseBackoffKind parses "exponential" or "fixed"
func ParseBackoffKind(s string) (BackoffKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "exponential", "exp", "":
		return BackoffExponential, nil
	case "fixed", "constant":
		return BackoffFixed, nil
	default:
		return BackoffExponential, fmt.Errorf("unknown backoff %q", s)
	}
}

// Backoff is the delay policy between reconnect attempts
type Backoff struct {
	Kind       BackoffKind
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff doubles from 500ms up to 30s
func DefaultBackoff() Backoff {
	return Backoff{
		Kind:       BackoffExponential,
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
	}
}

// Delay returns the wait before reconnect attempt n, counting from 1
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if b.Kind == BackoffFixed || b.Initial <= 0 {
		return b.Initial
	}

	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(b.Initial) * math.Pow(mult, float64(n-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ReleaseMode controls when the session force-releases its ports before
// opening them.
type ReleaseMode int

const (
	// ReleaseNever never touches other holders
	ReleaseNever ReleaseMode = iota
	// ReleaseFirst releases before the first open attempt only
	ReleaseFirst
	// ReleaseEvery releases before every open attempt
	ReleaseEvery
	// ReleaseOnBusy releases only after an open failed because the port
	// is locked, then retries the open once.
	ReleaseOnBusy
)

func (m ReleaseMode) String() string {
	switch m {
	case ReleaseNever:
		return "never"
	case ReleaseFirst:
		return "first"
	case ReleaseEvery:
		return "every"
	case ReleaseOnBusy:
		return "on-busy"
	default:
		return fmt.Sprintf("ReleaseMode(%d)", int(m))
	}
}

// ParseReleaseMode parses "never", "first", "every" or "on-busy"
func ParseReleaseMode(s string) (ReleaseMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "never", "off", "none":
		return ReleaseNever, nil
	case "first", "":
		return ReleaseFirst, nil
	case "every", "always":
		return ReleaseEvery, nil
	case "on-busy", "onbusy", "busy":
		return ReleaseOnBusy, nil
	default:
		return ReleaseNever, fmt.Errorf("unknown release mode %q", s)
	}
}
