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
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.bug.st/serial"
)

// Handle owns one open serial endpoint. A Handle is driven by at most one
// reader and one writer goroutine at a time; it is not safe for
// concurrent writers.
type Handle struct {
	ID       string
	OpenedAt time.Time

	spec      PortSpec
	port      serial.Port
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	onClose   func()
}

// NewHandle wraps an already opened driver port. It applies the read
// timeout and the initial modem line states from spec.
func NewHandle(spec PortSpec, port serial.Port) (*Handle, error) {
	if err := port.SetReadTimeout(spec.ReadTimeout); err != nil {
		port.Close()
		return nil, classifyOpenError(spec.Name, err)
	}

	dtr, rts := spec.DTR, spec.RTS
	if spec.FlowControl == FlowControlHardware {
		// Signal readiness to the peer; the driver has no CTS gating.
		on := true
		if dtr == nil {
			dtr = &on
		}
		if rts == nil {
			rts = &on
		}
	}
	if dtr != nil {
		if err := port.SetDTR(*dtr); err != nil {
			port.Close()
			return nil, classifyOpenError(spec.Name, err)
		}
	}
	if rts != nil {
		if err := port.SetRTS(*rts); err != nil {
			port.Close()
			return nil, classifyOpenError(spec.Name, err)
		}
	}

	return &Handle{
		ID:       uuid.New().String(),
		OpenedAt: time.Now(),
		spec:     spec,
		port:     port,
	}, nil
}

// Name returns the port identifier
func (h *Handle) Name() string { return h.spec.Name }

// Spec returns the configuration the port was opened with
func (h *Handle) Spec() PortSpec { return h.spec }

// Read reads up to len(p) bytes. A read that times out returns 0 and a
// nil error so callers can poll for cancellation.
func (h *Handle) Read(p []byte) (int, error) {
	if h.closed.Load() {
		return 0, &PortIOError{Port: h.spec.Name, Op: "read", Err: ErrPortClosed}
	}

	n, err := h.port.Read(p)
	if err != nil {
		return n, classifyIOError(h.spec.Name, "read", err)
	}
	return n, nil
}

// Write writes p, failing with ErrWriteTimeout when the driver does not
// accept it within the spec's write timeout. The returned count may be
// short; callers retry the remainder.
func (h *Handle) Write(p []byte) (int, error) {
	if h.closed.Load() {
		return 0, &PortIOError{Port: h.spec.Name, Op: "write", Err: ErrPortClosed}
	}

	if h.spec.WriteTimeout <= 0 {
		n, err := h.port.Write(p)
		if err != nil {
			return n, classifyIOError(h.spec.Name, "write", err)
		}
		return n, nil
	}

	type writeResult struct {
		n   int
		err error
	}

	resultChan := make(chan writeResult, 1)
	go func() {
		n, err := h.port.Write(p)
		resultChan <- writeResult{n: n, err: err}
	}()

	timer := time.NewTimer(h.spec.WriteTimeout)
	defer timer.Stop()

	select {
	case result := <-resultChan:
		if result.err != nil {
			return result.n, classifyIOError(h.spec.Name, "write", result.err)
		}
		return result.n, nil
	case <-timer.C:
		return 0, &PortIOError{Port: h.spec.Name, Op: "write", Err: ErrWriteTimeout}
	}
}

// Close releases the OS descriptor. It is safe to call more than once;
// only the first call reaches the driver.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeErr = h.port.Close()
		if h.onClose != nil {
			h.onClose()
		}
	})
	return h.closeErr
}

// Closed reports whether Close has been called
func (h *Handle) Closed() bool {
	return h.closed.Load()
}
