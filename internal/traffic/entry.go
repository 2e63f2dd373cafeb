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

// Package traffic records relayed chunks without ever blocking the relay.
package traffic

import (
	"fmt"
	"strings"
	"time"
)

// Direction tags a chunk with the way it travelled through the bridge
type Direction int

const (
	// RealToVirtual carries device output to the client application
	RealToVirtual Direction = iota
	// VirtualToReal carries client requests to the device
	VirtualToReal
)

// String returns the direction as an arrow between the endpoints
func (d Direction) String() string {
	switch d {
	case RealToVirtual:
		return "real->virtual"
	case VirtualToReal:
		return "virtual->real"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Label names the direction from the client's point of view: device
// output is a response, client output is a request.
func (d Direction) Label() string {
	if d == RealToVirtual {
		return "response"
	}
	return "request"
}

// Entry is one forwarded chunk. Payload and Digest are filled according to
// the log verbosity.
type Entry struct {
	Time      time.Time
	Direction Direction
	Length    int
	Payload   []byte
	Digest    string
}

// Verbosity selects how much of each chunk is written to the log
type Verbosity int

const (
	// VerbositySummary logs direction and length only
	VerbositySummary Verbosity = iota
	// VerbosityDigest adds a SHA-256 prefix of the payload
	VerbosityDigest
	// VerbosityPayload adds the payload as hex
	VerbosityPayload
)

func (v Verbosity) String() string {
	switch v {
	case VerbositySummary:
		return "summary"
	case VerbosityDigest:
		return "digest"
	case VerbosityPayload:
		return "payload"
	default:
		return fmt.Sprintf("Verbosity(%d)", int(v))
	}
}

// ParseVerbosity parses "summary", "digest" or "payload"
func ParseVerbosity(s string) (Verbosity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "summary":
		return VerbositySummary, nil
	case "digest", "hash":
		return VerbosityDigest, nil
	case "payload", "full", "":
		return VerbosityPayload, nil
	default:
		return VerbosityPayload, fmt.Errorf("unknown traffic verbosity %q", s)
	}
}
