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
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap/zaptest"

	"github.com/Shoaibashk/BaudBridge/internal/serial/serialtest"
)

// fakeHost simulates the OS side of the registry: which devices exist,
// which foreign processes hold them and how they react to signals.
type fakeHost struct {
	mu          sync.Mutex
	devices     map[string]bool
	holders     map[string][]Holder
	stubborn    map[int]bool
	signals     []string
	signalErr   error
	enumerated  int
	scans       int
	openedPorts []*serialtest.Port
}

func newFakeHost(devices ...string) *fakeHost {
	h := &fakeHost{
		devices:  make(map[string]bool),
		holders:  make(map[string][]Holder),
		stubborn: make(map[int]bool),
	}
	for _, d := range devices {
		h.devices[d] = true
	}
	return h
}

func (h *fakeHost) open(name string, mode *serial.Mode) (serial.Port, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.devices[name] {
		return nil, ErrPortNotFound
	}
	if len(h.holders[name]) > 0 {
		return nil, ErrPortBusy
	}
	p := serialtest.New(name)
	h.openedPorts = append(h.openedPorts, p)
	return p, nil
}

// findHolders answers every name from one simulated process scan
func (h *fakeHost) findHolders(names ...string) (map[string][]Holder, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scans++
	out := make(map[string][]Holder, len(names))
	for _, name := range names {
		if holders := h.holders[name]; len(holders) > 0 {
			out[name] = append([]Holder(nil), holders...)
		}
	}
	return out, nil
}

func (h *fakeHost) addDevice(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.devices[name] = true
}

func (h *fakeHost) signal(pid int, force bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signals = append(h.signals, fmt.Sprintf("%d:%v", pid, force))
	if h.signalErr != nil {
		return h.signalErr
	}
	if h.stubborn[pid] {
		return nil
	}
	for name, holders := range h.holders {
		kept := holders[:0]
		for _, holder := range holders {
			if holder.PID != pid {
				kept = append(kept, holder)
			}
		}
		h.holders[name] = kept
	}
	return nil
}

func (h *fakeHost) enumerate() ([]*enumerator.PortDetails, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enumerated++
	var out []*enumerator.PortDetails
	for name := range h.devices {
		out = append(out, &enumerator.PortDetails{Name: name})
	}
	return out, nil
}

func newTestRegistry(t *testing.T, host *fakeHost, exclude ...string) *SystemRegistry {
	t.Helper()
	r, err := NewRegistry(exclude, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	r.openPort = host.open
	r.findHolders = host.findHolders
	r.signalHolder = host.signal
	r.enumerate = host.enumerate
	r.clearStaleLock = func(string) error { return nil }
	r.ReleaseGrace = 20 * time.Millisecond
	r.pollInterval = time.Millisecond
	return r
}

func TestRegistryOpenTracksHandle(t *testing.T) {
	host := newFakeHost("COM3")
	r := newTestRegistry(t, host)

	h, err := r.Open(DefaultSpec("COM3"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if _, err := r.Open(DefaultSpec("COM3")); !errors.Is(err, ErrPortInUse) {
		t.Errorf("Second open should fail with ErrPortInUse, got %v", err)
	}

	locked, err := r.IsLocked("COM3")
	if err != nil || !locked {
		t.Errorf("Open port should be locked, got %v, %v", locked, err)
	}

	h.Close()
	if locked, _ := r.IsLocked("COM3"); locked {
		t.Error("Closed port should not be locked")
	}

	h2, err := r.Open(DefaultSpec("COM3"))
	if err != nil {
		t.Fatalf("Reopen after close failed: %v", err)
	}
	h2.Close()
}

func TestRegistryOpenErrors(t *testing.T) {
	r := newTestRegistry(t, newFakeHost())

	_, err := r.Open(DefaultSpec("COM9"))
	var openErr *PortOpenError
	if !errors.As(err, &openErr) || !errors.Is(err, ErrPortNotFound) {
		t.Errorf("Expected PortOpenError(ErrPortNotFound), got %v", err)
	}

	spec := DefaultSpec("COM9")
	spec.DataBits = 12
	if _, err := r.Open(spec); !IsConfigurationError(err) {
		t.Errorf("Expected ConfigurationError, got %v", err)
	}
}

func TestForceReleaseUnlockedIsNoop(t *testing.T) {
	host := newFakeHost("/dev/ttyUSB0")
	r := newTestRegistry(t, host)

	if err := r.ForceRelease("/dev/ttyUSB0"); err != nil {
		t.Fatalf("Releasing an unlocked port should succeed, got %v", err)
	}
	if len(host.signals) != 0 {
		t.Errorf("No process should be signaled, got %v", host.signals)
	}
}

func TestForceReleaseTerminatesHolder(t *testing.T) {
	host := newFakeHost("/dev/ttyUSB0")
	host.holders["/dev/ttyUSB0"] = []Holder{{PID: 4242, Command: "minicom"}}
	r := newTestRegistry(t, host)

	if locked, _ := r.IsLocked("/dev/ttyUSB0"); !locked {
		t.Fatal("Port with holder should be locked")
	}

	if err := r.ForceRelease("/dev/ttyUSB0"); err != nil {
		t.Fatalf("ForceRelease failed: %v", err)
	}
	if len(host.signals) != 1 || host.signals[0] != "4242:false" {
		t.Errorf("Expected one polite signal, got %v", host.signals)
	}
	if locked, _ := r.IsLocked("/dev/ttyUSB0"); locked {
		t.Error("Port should be free after release")
	}
}

func TestForceReleaseHolderPersists(t *testing.T) {
	host := newFakeHost("/dev/ttyUSB0")
	host.holders["/dev/ttyUSB0"] = []Holder{{PID: 7, Command: "stuck"}}
	host.stubborn[7] = true
	r := newTestRegistry(t, host)

	err := r.ForceRelease("/dev/ttyUSB0")
	var relErr *ReleaseError
	if !errors.As(err, &relErr) {
		t.Fatalf("Expected ReleaseError, got %v", err)
	}
	if !errors.Is(err, ErrHolderPersists) {
		t.Errorf("Expected ErrHolderPersists, got %v", err)
	}
	if len(relErr.Holders) != 1 || relErr.Holders[0].PID != 7 {
		t.Errorf("Expected holder 7 reported, got %v", relErr.Holders)
	}
	if len(host.signals) != 2 || host.signals[1] != "7:true" {
		t.Errorf("Expected polite then forced signal, got %v", host.signals)
	}
}

func TestForceReleasePermissionDenied(t *testing.T) {
	host := newFakeHost("/dev/ttyS0")
	host.holders["/dev/ttyS0"] = []Holder{{PID: 1}}
	host.signalErr = fmt.Errorf("signal pid 1: %w", ErrPermissionDenied)
	r := newTestRegistry(t, host)

	err := r.ForceRelease("/dev/ttyS0")
	var relErr *ReleaseError
	if !errors.As(err, &relErr) || !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Expected ReleaseError(ErrPermissionDenied), got %v", err)
	}
}

func TestForceReleaseRefusesActiveHandle(t *testing.T) {
	host := newFakeHost("COM3")
	r := newTestRegistry(t, host)

	h, err := r.Open(DefaultSpec("COM3"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer h.Close()

	if err := r.ForceRelease("COM3"); !errors.Is(err, ErrPortInUse) {
		t.Errorf("Expected ErrPortInUse, got %v", err)
	}
}

func TestForceReleaseMissingPort(t *testing.T) {
	r := newTestRegistry(t, newFakeHost())

	err := r.ForceRelease("COM42")
	var relErr *ReleaseError
	if !errors.As(err, &relErr) || !errors.Is(err, ErrPortNotFound) {
		t.Errorf("Expected ReleaseError(ErrPortNotFound), got %v", err)
	}
}

func TestListPortsIsRestartable(t *testing.T) {
	host := newFakeHost("/dev/ttyUSB1", "/dev/ttyUSB0", "/dev/ttyS0")
	host.holders["/dev/ttyUSB1"] = []Holder{{PID: 99, Command: "screen"}}
	r := newTestRegistry(t, host, `^/dev/ttyS`)

	collect := func() []PortInfo {
		var out []PortInfo
		for info, err := range r.ListPorts() {
			if err != nil {
				t.Fatalf("ListPorts failed: %v", err)
			}
			out = append(out, info)
		}
		return out
	}

	first := collect()
	second := collect()
	if host.enumerated != 2 {
		t.Errorf("Each range should query the OS, got %d queries", host.enumerated)
	}
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("Expected 2 ports after exclusion, got %d and %d", len(first), len(second))
	}
	if first[0].Name != "/dev/ttyUSB0" || first[1].Name != "/dev/ttyUSB1" {
		t.Errorf("Ports should be sorted, got %s, %s", first[0].Name, first[1].Name)
	}
	if first[0].Locked {
		t.Error("ttyUSB0 should be unlocked")
	}
	if !first[1].Locked || first[1].LockHolder != "pid 99 (screen)" {
		t.Errorf("ttyUSB1 should be locked by screen, got %+v", first[1])
	}

	for range r.ListPorts() {
		break
	}
}

func TestListPortsScansProcessesOnce(t *testing.T) {
	host := newFakeHost("COM1", "COM2", "COM3", "COM4", "COM5")
	host.holders["COM2"] = []Holder{{PID: 7, Command: "putty"}}
	host.holders["COM5"] = []Holder{{PID: 8, Command: "minicom"}}
	r := newTestRegistry(t, host)

	h, err := r.Open(DefaultSpec("COM1"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer h.Close()

	locked := map[string]string{}
	for info, err := range r.ListPorts() {
		if err != nil {
			t.Fatalf("ListPorts failed: %v", err)
		}
		if info.Locked {
			locked[info.Name] = info.LockHolder
		}
	}

	if host.scans != 1 {
		t.Errorf("Expected one process scan per listing, got %d", host.scans)
	}
	want := map[string]string{
		"COM1": "this process (handle " + h.ID + ")",
		"COM2": "pid 7 (putty)",
		"COM5": "pid 8 (minicom)",
	}
	if diff := cmp.Diff(want, locked); diff != "" {
		t.Errorf("Lock holders mismatch (-want +got):\n%s", diff)
	}
}

func TestWatchReportsOnlyChanges(t *testing.T) {
	host := newFakeHost("COM3")
	r := newTestRegistry(t, host)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan []PortInfo, 10)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Watch(ctx, 5*time.Millisecond, func(ports []PortInfo) { changes <- ports })
	}()

	select {
	case ports := <-changes:
		t.Fatalf("Unchanged ports reported: %+v", ports)
	case <-time.After(50 * time.Millisecond):
	}

	host.addDevice("COM4")
	select {
	case ports := <-changes:
		if len(ports) != 2 || ports[1].Name != "COM4" {
			t.Errorf("Expected COM3 and COM4, got %+v", ports)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Added port was not reported")
	}

	cancel()
	<-done
}

func TestLookup(t *testing.T) {
	r := newTestRegistry(t, newFakeHost("COM3", "COM4"))

	info, err := r.Lookup("COM4")
	if err != nil || info.Name != "COM4" {
		t.Errorf("Lookup(COM4) = %+v, %v", info, err)
	}
	if _, err := r.Lookup("COM5"); !errors.Is(err, ErrPortNotFound) {
		t.Errorf("Expected ErrPortNotFound, got %v", err)
	}
}

func TestInvalidExcludePattern(t *testing.T) {
	if _, err := NewRegistry([]string{"("}, nil); !IsConfigurationError(err) {
		t.Errorf("Expected ConfigurationError, got %v", err)
	}
}
