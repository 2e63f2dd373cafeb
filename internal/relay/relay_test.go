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
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Shoaibashk/BaudBridge/internal/serial"
	"github.com/Shoaibashk/BaudBridge/internal/serial/serialtest"
	"github.com/Shoaibashk/BaudBridge/internal/traffic"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []traffic.Entry
}

func (s *recordingSink) Record(e traffic.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Payload = bytes.Clone(e.Payload)
	s.entries = append(s.entries, e)
}

func (s *recordingSink) snapshot() []traffic.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]traffic.Entry(nil), s.entries...)
}

// stuckEndpoint accepts no bytes on write
type stuckEndpoint struct{ *serial.Handle }

func (stuckEndpoint) Write(p []byte) (int, error) { return 0, nil }

type bridgeFixture struct {
	realPeer, virtualPeer *serialtest.Port
	realPort, virtualPort *serial.Handle
}

func newFixture(t *testing.T, realName, virtualName string) *bridgeFixture {
	t.Helper()
	f := &bridgeFixture{
		realPeer:    serialtest.New(realName),
		virtualPeer: serialtest.New(virtualName),
	}

	var err error
	spec := serial.DefaultSpec(realName)
	spec.ReadTimeout = 10 * time.Millisecond
	if f.realPort, err = serial.NewHandle(spec, f.realPeer); err != nil {
		t.Fatalf("NewHandle(%s) failed: %v", realName, err)
	}
	spec = serial.DefaultSpec(virtualName)
	spec.ReadTimeout = 10 * time.Millisecond
	if f.virtualPort, err = serial.NewHandle(spec, f.virtualPeer); err != nil {
		t.Fatalf("NewHandle(%s) failed: %v", virtualName, err)
	}
	t.Cleanup(func() {
		f.realPort.Close()
		f.virtualPort.Close()
	})
	return f
}

// start runs r in the background and returns a function that cancels it
// and waits for the result.
func start(t *testing.T, r *Relay, realPort, virtualPort Endpoint) (stop func() error, done <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- r.Run(ctx, realPort, virtualPort) }()

	stop = func() error {
		cancel()
		select {
		case err := <-ch:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("relay did not stop after cancellation")
			return nil
		}
	}
	t.Cleanup(cancel)
	return stop, ch
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestRelayForwardsRealToVirtual(t *testing.T) {
	f := newFixture(t, "COM3", "VPORT1")
	stats := NewStats()
	r := New(stats, nil, Options{Logger: zaptest.NewLogger(t)})
	stop, _ := start(t, r, f.realPort, f.virtualPort)

	f.realPeer.Inject([]byte{0x01, 0x02, 0x03})

	got := f.virtualPeer.WaitOutput(3, time.Second)
	if !bytes.Equal(got, []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("VPORT1 received %x, want 010203", got)
	}
	if !eventually(t, time.Second, func() bool { return stats.Snapshot().RealToVirtual.Bytes == 3 }) {
		t.Errorf("RealToVirtual bytes = %d, want 3", stats.Snapshot().RealToVirtual.Bytes)
	}
	if stats.Snapshot().VirtualToReal.Bytes != 0 {
		t.Error("Nothing should have travelled virtual->real")
	}

	if err := stop(); err != nil {
		t.Errorf("Cancelled relay should return nil, got %v", err)
	}
}

func TestRelayDuplexFidelity(t *testing.T) {
	f := newFixture(t, "/dev/ttyUSB0", "/dev/pts/3")
	// Force the writer to retry partial writes.
	f.realPeer.LimitWrites(3)
	f.virtualPeer.LimitWrites(5)

	sink := &recordingSink{}
	r := New(nil, sink, Options{BufferSize: 16})
	stop, _ := start(t, r, f.realPort, f.virtualPort)

	var fromDevice, fromApp []byte
	for i := 0; i < 50; i++ {
		chunk := bytes.Repeat([]byte{byte(i)}, i%7+1)
		fromDevice = append(fromDevice, chunk...)
		f.realPeer.Inject(chunk)

		req := []byte{0xa0, byte(i)}
		fromApp = append(fromApp, req...)
		f.virtualPeer.Inject(req)
	}

	if got := f.virtualPeer.WaitOutput(len(fromDevice), 2*time.Second); !bytes.Equal(got, fromDevice) {
		t.Errorf("real->virtual stream differs:\n got %x\nwant %x", got, fromDevice)
	}
	if got := f.realPeer.WaitOutput(len(fromApp), 2*time.Second); !bytes.Equal(got, fromApp) {
		t.Errorf("virtual->real stream differs:\n got %x\nwant %x", got, fromApp)
	}

	if err := stop(); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	// Chunks of one direction arrive at the sink in order.
	var logged []byte
	for _, e := range sink.snapshot() {
		if e.Direction == traffic.RealToVirtual {
			logged = append(logged, e.Payload...)
			if e.Length != len(e.Payload) {
				t.Errorf("Entry length %d does not match payload %d", e.Length, len(e.Payload))
			}
		}
	}
	if !bytes.Equal(logged, fromDevice) {
		t.Errorf("Logged real->virtual chunks differ from the stream")
	}

	snap := r.Stats().Snapshot()
	if snap.RealToVirtual.Bytes != uint64(len(fromDevice)) || snap.VirtualToReal.Bytes != uint64(len(fromApp)) {
		t.Errorf("Unexpected byte counts %+v", snap)
	}
	if snap.TotalBytes() != uint64(len(fromDevice)+len(fromApp)) {
		t.Errorf("TotalBytes = %d", snap.TotalBytes())
	}
	if snap.RealToVirtual.LastActivity.IsZero() {
		t.Error("LastActivity should be set")
	}
}

func TestRelayReadFailureStopsBothDirections(t *testing.T) {
	f := newFixture(t, "COM3", "COM4")
	stats := NewStats()
	r := New(stats, nil, Options{})
	_, done := start(t, r, f.realPort, f.virtualPort)

	gone := errors.New("device disconnected")
	f.realPeer.FailReads(gone)

	select {
	case err := <-done:
		var relayErr *Error
		if !errors.As(err, &relayErr) {
			t.Fatalf("Expected *Error, got %v", err)
		}
		if relayErr.Direction != traffic.RealToVirtual || relayErr.Op != "read" {
			t.Errorf("Unexpected failure %s %s", relayErr.Direction, relayErr.Op)
		}
		if !errors.Is(err, gone) {
			t.Errorf("Cause should be preserved, got %v", err)
		}
		var ioErr *serial.PortIOError
		if !errors.As(err, &ioErr) {
			t.Errorf("Expected a PortIOError in the chain, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Relay kept running after one direction failed")
	}

	if stats.Snapshot().RealToVirtual.Errors != 1 {
		t.Errorf("Expected 1 error counted, got %d", stats.Snapshot().RealToVirtual.Errors)
	}
}

func TestRelayWriteFailure(t *testing.T) {
	f := newFixture(t, "COM3", "COM4")
	r := New(nil, nil, Options{})
	_, done := start(t, r, f.realPort, f.virtualPort)

	f.realPeer.FailWrites(errors.New("write failed"))
	f.virtualPeer.Inject([]byte("ping"))

	select {
	case err := <-done:
		var relayErr *Error
		if !errors.As(err, &relayErr) || relayErr.Direction != traffic.VirtualToReal || relayErr.Op != "write" {
			t.Fatalf("Expected virtual->real write failure, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Relay kept running after a write failure")
	}
}

func TestRelayZeroProgressWrite(t *testing.T) {
	f := newFixture(t, "COM3", "COM4")
	r := New(nil, nil, Options{})
	_, done := start(t, r, f.realPort, stuckEndpoint{f.virtualPort})

	f.realPeer.Inject([]byte{0x42})

	select {
	case err := <-done:
		if !errors.Is(err, serial.ErrShortWrite) {
			t.Fatalf("Expected ErrShortWrite, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Relay spun on a write that makes no progress")
	}
}

func TestRelayStopsWithinReadTimeout(t *testing.T) {
	f := newFixture(t, "COM3", "COM4")
	r := New(nil, nil, Options{})
	stop, _ := start(t, r, f.realPort, f.virtualPort)

	time.Sleep(20 * time.Millisecond)
	begin := time.Now()
	if err := stop(); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if elapsed := time.Since(begin); elapsed > 500*time.Millisecond {
		t.Errorf("Cancellation took %v", elapsed)
	}
}
