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
	"testing"
	"time"

	"github.com/Shoaibashk/BaudBridge/internal/serial/serialtest"
)

func openFake(t *testing.T, spec PortSpec) (*Handle, *serialtest.Port) {
	t.Helper()
	fake := serialtest.New(spec.Name)
	h, err := NewHandle(spec, fake)
	if err != nil {
		t.Fatalf("NewHandle failed: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h, fake
}

func TestHandleReadTimeoutIsNotAnError(t *testing.T) {
	spec := DefaultSpec("COM3")
	spec.ReadTimeout = 5 * time.Millisecond
	h, _ := openFake(t, spec)

	buf := make([]byte, 16)
	n, err := h.Read(buf)
	if err != nil {
		t.Fatalf("Timed out read should not fail, got %v", err)
	}
	if n != 0 {
		t.Errorf("Expected empty read, got %d bytes", n)
	}
}

func TestHandleReadWrite(t *testing.T) {
	h, fake := openFake(t, DefaultSpec("COM3"))

	fake.Inject([]byte{0x01, 0x02, 0x03})
	buf := make([]byte, 16)
	n, err := h.Read(buf)
	if err != nil || n != 3 {
		t.Fatalf("Read = %d, %v", n, err)
	}

	if _, err := h.Write([]byte("ping")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := string(fake.Output()); got != "ping" {
		t.Errorf("Expected ping on the wire, got %q", got)
	}
}

func TestHandleWriteTimeout(t *testing.T) {
	spec := DefaultSpec("COM3")
	spec.WriteTimeout = 10 * time.Millisecond
	h, fake := openFake(t, spec)
	fake.DelayWrites(200 * time.Millisecond)

	_, err := h.Write([]byte("slow"))
	var ioErr *PortIOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("Expected PortIOError, got %v", err)
	}
	if !errors.Is(err, ErrWriteTimeout) {
		t.Errorf("Expected ErrWriteTimeout, got %v", err)
	}
	if ioErr.Op != "write" {
		t.Errorf("Expected write op, got %q", ioErr.Op)
	}
}

func TestHandleReadFailure(t *testing.T) {
	h, fake := openFake(t, DefaultSpec("COM3"))
	disconnected := errors.New("device disconnected")
	fake.FailReads(disconnected)

	_, err := h.Read(make([]byte, 8))
	if !errors.Is(err, disconnected) {
		t.Fatalf("Expected wrapped disconnect, got %v", err)
	}
}

func TestHandleCloseIdempotent(t *testing.T) {
	h, fake := openFake(t, DefaultSpec("COM3"))

	closes := 0
	h.onClose = func() { closes++ }

	for i := 0; i < 3; i++ {
		if err := h.Close(); err != nil {
			t.Errorf("Close #%d failed: %v", i+1, err)
		}
	}
	if closes != 1 {
		t.Errorf("Expected one close callback, got %d", closes)
	}
	if !fake.IsClosed() {
		t.Error("Driver port should be closed")
	}

	if _, err := h.Read(make([]byte, 1)); !errors.Is(err, ErrPortClosed) {
		t.Errorf("Expected ErrPortClosed after close, got %v", err)
	}
	if _, err := h.Write([]byte{1}); !errors.Is(err, ErrPortClosed) {
		t.Errorf("Expected ErrPortClosed after close, got %v", err)
	}
}

func TestHandleModemLines(t *testing.T) {
	on, off := true, false
	spec := DefaultSpec("COM11")
	spec.DTR = &on
	spec.RTS = &off
	_, fake := openFake(t, spec)

	dtr, rts := fake.Lines()
	if dtr == nil || !*dtr {
		t.Error("Expected DTR set")
	}
	if rts == nil || *rts {
		t.Error("Expected RTS cleared")
	}
}

func TestHandleHardwareFlowAssertsLines(t *testing.T) {
	spec := DefaultSpec("COM11")
	spec.FlowControl = FlowControlHardware
	_, fake := openFake(t, spec)

	dtr, rts := fake.Lines()
	if dtr == nil || !*dtr || rts == nil || !*rts {
		t.Errorf("Expected DTR and RTS asserted, got %v %v", dtr, rts)
	}
}
