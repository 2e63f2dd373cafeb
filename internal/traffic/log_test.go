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

package traffic

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// gatedCore blocks every Write until the gate is opened, simulating a
// sink slower than the traffic rate.
type gatedCore struct {
	zapcore.Core
	gate chan struct{}
}

func (c *gatedCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	<-c.gate
	return c.Core.Write(ent, fields)
}

func chunkCount(logs *observer.ObservedLogs) int {
	return logs.FilterMessage("response").Len() + logs.FilterMessage("request").Len()
}

func TestRecordPreservesOrderWithinDirection(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(core, Options{Capacity: 64, Verbosity: VerbositySummary})

	for i := 1; i <= 20; i++ {
		dir := RealToVirtual
		if i%2 == 0 {
			dir = VirtualToReal
		}
		l.Record(Entry{Direction: dir, Length: i})
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	responses := logs.FilterMessage("response").All()
	if len(responses) != 10 {
		t.Fatalf("Expected 10 responses, got %d", len(responses))
	}
	last := int64(0)
	for _, e := range responses {
		n := e.ContextMap()["bytes"].(int64)
		if n <= last {
			t.Errorf("Entries out of order: %d after %d", n, last)
		}
		last = n
	}
	if l.Dropped() != 0 {
		t.Errorf("Nothing should be dropped, got %d", l.Dropped())
	}
}

func TestRecordNeverBlocksOnSlowSink(t *testing.T) {
	base, logs := observer.New(zapcore.DebugLevel)
	core := &gatedCore{Core: base, gate: make(chan struct{})}
	l := New(core, Options{Capacity: 8, Verbosity: VerbosityPayload})

	const total = 200
	var lastDropped uint64
	start := time.Now()
	for i := 0; i < total; i++ {
		l.Record(Entry{Direction: RealToVirtual, Payload: []byte{byte(i)}})
		d := l.Dropped()
		if d < lastDropped {
			t.Fatalf("Dropped count decreased from %d to %d", lastDropped, d)
		}
		lastDropped = d
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Recording stalled behind the sink for %v", elapsed)
	}
	if lastDropped == 0 {
		t.Fatal("Expected drops while the sink is blocked")
	}

	close(core.gate)
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	written := chunkCount(logs)
	if uint64(written)+l.Dropped() != total {
		t.Errorf("written %d + dropped %d != recorded %d", written, l.Dropped(), total)
	}
	if logs.FilterMessage("dropped").Len() == 0 {
		t.Error("Expected a dropped notice in the log")
	}

	// The newest entries survive; the oldest are discarded.
	all := logs.FilterMessage("response").All()
	lastPayload := all[len(all)-1].ContextMap()["payload"]
	if lastPayload != "c7" {
		t.Errorf("Last entry should be the last recorded chunk, got %v", lastPayload)
	}
}

func TestRecordCopiesPayload(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(core, Options{Verbosity: VerbosityPayload})

	buf := []byte{0x01, 0x02, 0x03}
	l.Record(Entry{Direction: RealToVirtual, Payload: buf})
	copy(buf, []byte{0xff, 0xff, 0xff})
	l.Close()

	entries := logs.FilterMessage("response").All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["payload"] != "010203" {
		t.Errorf("Payload should be captured at record time, got %v", fields["payload"])
	}
	if fields["bytes"] != int64(3) {
		t.Errorf("Expected 3 bytes, got %v", fields["bytes"])
	}
	if fields["direction"] != "real->virtual" {
		t.Errorf("Unexpected direction %v", fields["direction"])
	}
}

func TestVerbosityDigest(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(core, Options{Verbosity: VerbosityDigest})
	l.Record(Entry{Direction: VirtualToReal, Payload: []byte("abc")})
	l.Close()

	fields := logs.FilterMessage("request").All()[0].ContextMap()
	// sha256("abc") = ba7816bf8f01cfea...
	if fields["sha256"] != "ba7816bf8f01cfea" {
		t.Errorf("Unexpected digest %v", fields["sha256"])
	}
	if _, ok := fields["payload"]; ok {
		t.Error("Digest verbosity must not log the payload")
	}
}

func TestRecordAfterCloseIsDropped(t *testing.T) {
	core, _ := observer.New(zapcore.DebugLevel)
	l := New(core, Options{})
	l.Close()
	l.Record(Entry{Direction: RealToVirtual, Length: 1})
	if l.Dropped() != 1 {
		t.Errorf("Expected 1 dropped, got %d", l.Dropped())
	}
	if err := l.Close(); err != nil {
		t.Errorf("Second Close should succeed, got %v", err)
	}
}

func TestOpenWritesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "bridge.log")

	l, err := Open(path, Options{Verbosity: VerbosityPayload, Format: "text"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	var wg sync.WaitGroup
	for _, d := range []Direction{RealToVirtual, VirtualToReal} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Record(Entry{Direction: d, Payload: []byte{0x0a, 0x0b}})
		}()
	}
	wg.Wait()
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %q", data)
	}
	if !bytes.Contains(data, []byte("response")) || !bytes.Contains(data, []byte("request")) {
		t.Errorf("Both directions should be labelled, got %q", data)
	}
	if !bytes.Contains(data, []byte(`"payload": "0a0b"`)) {
		t.Errorf("Payload should be hex encoded, got %q", data)
	}
}

func TestCloseTwice(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "bridge.log"), Options{Format: "text"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	l.Record(Entry{Direction: VirtualToReal, Length: 1})

	if err := l.Close(); err != nil {
		t.Fatalf("First Close failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("Second Close should return the first result, got %v", err)
	}
}

func TestOpenJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.json")
	l, err := Open(path, Options{Verbosity: VerbositySummary, Format: "json"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	l.Record(Entry{Direction: RealToVirtual, Length: 5})
	l.Close()

	data, _ := os.ReadFile(path)
	if !bytes.Contains(data, []byte(`"event":"response"`)) || !bytes.Contains(data, []byte(`"bytes":5`)) {
		t.Errorf("Unexpected JSON line %q", data)
	}
}

func TestOpenRejectsUnknownFormat(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "x.log"), Options{Format: "xml"}); err == nil {
		t.Error("Expected error for unknown format")
	}
}

func TestDefaultPath(t *testing.T) {
	now := time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)
	got := DefaultPath("logs", "mikon", now)
	want := filepath.Join("logs", "mikon-20240305-140709.log")
	if got != want {
		t.Errorf("DefaultPath = %q, want %q", got, want)
	}
	if got := DefaultPath("logs", "", now); !strings.Contains(got, "bridge-") {
		t.Errorf("Empty prefix should default to bridge, got %q", got)
	}
}

func TestParseVerbosity(t *testing.T) {
	tests := []struct {
		in      string
		want    Verbosity
		wantErr bool
	}{
		{"summary", VerbositySummary, false},
		{"DIGEST", VerbosityDigest, false},
		{"payload", VerbosityPayload, false},
		{"", VerbosityPayload, false},
		{"loud", VerbosityPayload, true},
	}
	for _, tt := range tests {
		got, err := ParseVerbosity(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseVerbosity(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseVerbosity(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDirectionLabels(t *testing.T) {
	if RealToVirtual.Label() != "response" || VirtualToReal.Label() != "request" {
		t.Error("Unexpected direction labels")
	}
	if RealToVirtual.String() != "real->virtual" {
		t.Errorf("Unexpected direction name %q", RealToVirtual.String())
	}
}
