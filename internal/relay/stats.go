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

package relay

import (
	"time"

	"go.uber.org/atomic"

	"github.com/Shoaibashk/BaudBridge/internal/traffic"
)

// DirectionStats holds the counters for one direction. Each field is only
// written by the forwarding loop for that direction.
type DirectionStats struct {
	bytes        atomic.Uint64
	chunks       atomic.Uint64
	errors       atomic.Uint64
	lastActivity atomic.Time
}

func (d *DirectionStats) forwarded(n int, at time.Time) {
	d.bytes.Add(uint64(n))
	d.chunks.Inc()
	d.lastActivity.Store(at)
}

// Snapshot copies the counters
func (d *DirectionStats) Snapshot() DirectionSnapshot {
	return DirectionSnapshot{
		Bytes:        d.bytes.Load(),
		Chunks:       d.chunks.Load(),
		Errors:       d.errors.Load(),
		LastActivity: d.lastActivity.Load(),
	}
}

// DirectionSnapshot is a point-in-time copy of DirectionStats
type DirectionSnapshot struct {
	Bytes        uint64    `json:"bytes"`
	Chunks       uint64    `json:"chunks"`
	Errors       uint64    `json:"errors"`
	LastActivity time.Time `json:"last_activity"`
}

// Stats are the per-direction counters of a bridge. They outlive a single
// Relay so totals survive reconnects.
type Stats struct {
	dirs [2]DirectionStats
}

// NewStats returns zeroed counters
func NewStats() *Stats {
	return &Stats{}
}

// For returns the counters of one direction
func (s *Stats) For(dir traffic.Direction) *DirectionStats {
	return &s.dirs[dir]
}

// StatsSnapshot is a read-only copy of Stats
type StatsSnapshot struct {
	RealToVirtual DirectionSnapshot `json:"real_to_virtual"`
	VirtualToReal DirectionSnapshot `json:"virtual_to_real"`
}

// Snapshot copies both directions
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		RealToVirtual: s.dirs[traffic.RealToVirtual].Snapshot(),
		VirtualToReal: s.dirs[traffic.VirtualToReal].Snapshot(),
	}
}

// TotalBytes returns the bytes forwarded in both directions
func (s StatsSnapshot) TotalBytes() uint64 {
	return s.RealToVirtual.Bytes + s.VirtualToReal.Bytes
}
