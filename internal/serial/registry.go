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
	"fmt"
	"iter"
	"regexp"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
)

// Registry discovers ports, reports and breaks locks, and opens handles.
type Registry interface {
	// ListPorts queries the OS each time the sequence is ranged over.
	ListPorts() iter.Seq2[PortInfo, error]
	IsLocked(name string) (bool, error)
	// ForceRelease is best effort. Releasing an unlocked port succeeds.
	ForceRelease(name string) error
	Open(spec PortSpec) (*Handle, error)
}

// Holder identifies a process holding a port open
type Holder struct {
	PID     int
	Command string
}

func (h Holder) String() string {
	if h.Command == "" {
		return fmt.Sprintf("pid %d", h.PID)
	}
	return fmt.Sprintf("pid %d (%s)", h.PID, h.Command)
}

// SystemRegistry is the Registry backed by the host OS.
type SystemRegistry struct {
	mu              sync.RWMutex
	open            map[string]*Handle // key: port name
	excludePatterns []*regexp.Regexp
	logger          *zap.Logger

	// ReleaseGrace is how long holders get to exit after a polite signal
	// before they are killed.
	ReleaseGrace time.Duration

	openPort       func(name string, mode *serial.Mode) (serial.Port, error)
	enumerate      func() ([]*enumerator.PortDetails, error)
	findHolders    func(names ...string) (map[string][]Holder, error)
	signalHolder   func(pid int, force bool) error
	clearStaleLock func(name string) error
	pollInterval   time.Duration
}

var _ Registry = (*SystemRegistry)(nil)

// NewRegistry creates a registry. Ports whose names match any of
// excludePatterns are hidden from listings.
func NewRegistry(excludePatterns []string, logger *zap.Logger) (*SystemRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &SystemRegistry{
		open:           make(map[string]*Handle),
		logger:         logger.Named("registry"),
		ReleaseGrace:   2 * time.Second,
		openPort:       serial.Open,
		enumerate:      enumerator.GetDetailedPortsList,
		findHolders:    findProcessHolders,
		signalHolder:   signalProcess,
		clearStaleLock: clearStaleLockFile,
		pollInterval:   50 * time.Millisecond,
	}

	for _, pattern := range excludePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, &ConfigurationError{Field: "exclude pattern", Reason: err.Error()}
		}
		r.excludePatterns = append(r.excludePatterns, re)
	}

	return r, nil
}

// Open validates spec, opens the port and tracks the handle until it is
// closed. A port already held by a handle from this registry is refused.
func (r *SystemRegistry) Open(spec PortSpec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.open[spec.Name]; exists && !existing.Closed() {
		return nil, &PortOpenError{Port: spec.Name, Err: ErrPortInUse}
	}

	port, err := r.openPort(spec.Name, spec.toSerialMode())
	if err != nil {
		return nil, classifyOpenError(spec.Name, err)
	}

	handle, err := NewHandle(spec, port)
	if err != nil {
		return nil, err
	}
	handle.onClose = func() { r.forget(handle) }
	r.open[spec.Name] = handle

	r.logger.Debug("port opened",
		zap.String("port", spec.Name),
		zap.String("handle", handle.ID),
		zap.Stringer("spec", spec))

	return handle, nil
}

// forget drops a closed handle from the open set
func (r *SystemRegistry) forget(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.open[h.Name()] == h {
		delete(r.open, h.Name())
	}
}

// openHandle returns the live handle this registry holds for name
func (r *SystemRegistry) openHandle(name string) *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h := r.open[name]
	if h == nil || h.Closed() {
		return nil
	}
	return h
}

// IsLocked reports whether some holder, in this process or another,
// currently has the port open. When no holder can be identified the port
// is probed by opening and closing it.
func (r *SystemRegistry) IsLocked(name string) (bool, error) {
	if r.openHandle(name) != nil {
		return true, nil
	}

	if holders, err := r.holdersOf(name); err == nil && len(holders) > 0 {
		return true, nil
	}

	port, err := r.openPort(name, &serial.Mode{BaudRate: 9600, DataBits: 8})
	if err != nil {
		classified := classifyOpenError(name, err)
		if errors.Is(classified, ErrPortBusy) {
			return true, nil
		}
		return false, classified
	}
	_ = port.Close()
	return false, nil
}

// ForceRelease terminates the processes holding name. Holders first get
// a polite signal and ReleaseGrace to exit, then are killed. The lock is
// checked once afterwards.
func (r *SystemRegistry) ForceRelease(name string) error {
	logger := r.logger.With(zap.String("port", name))

	if r.openHandle(name) != nil {
		return &ReleaseError{Port: name, Err: ErrPortInUse}
	}

	if err := r.clearStaleLock(name); err != nil {
		logger.Warn("failed to clear stale lock file", zap.Error(err))
	}

	locked, err := r.IsLocked(name)
	if err != nil {
		return &ReleaseError{Port: name, Err: err}
	}
	if !locked {
		logger.Debug("port not locked, nothing to release")
		return nil
	}

	holders, err := r.holdersOf(name)
	if err != nil {
		return &ReleaseError{Port: name, Err: err}
	}
	if len(holders) == 0 {
		return &ReleaseError{Port: name, Err: ErrHolderUnknown}
	}

	for _, holder := range holders {
		logger.Info("signaling port holder", zap.Stringer("holder", holder))
		if err := r.signalHolder(holder.PID, false); err != nil {
			return &ReleaseError{Port: name, Holders: holders, Err: err}
		}
	}

	remaining := r.waitForHolders(name, r.ReleaseGrace)
	for _, holder := range remaining {
		logger.Warn("port holder ignored termination, killing", zap.Stringer("holder", holder))
		if err := r.signalHolder(holder.PID, true); err != nil {
			return &ReleaseError{Port: name, Holders: remaining, Err: err}
		}
	}
	if len(remaining) > 0 {
		remaining = r.waitForHolders(name, r.ReleaseGrace)
	}

	locked, err = r.IsLocked(name)
	if err != nil {
		return &ReleaseError{Port: name, Holders: holders, Err: err}
	}
	if locked {
		return &ReleaseError{Port: name, Holders: remaining, Err: ErrHolderPersists}
	}

	logger.Info("port released", zap.Int("holders", len(holders)))
	return nil
}

// holdersOf lists the foreign processes holding name
func (r *SystemRegistry) holdersOf(name string) ([]Holder, error) {
	table, err := r.findHolders(name)
	if err != nil {
		return nil, err
	}
	return table[name], nil
}

// waitForHolders polls until every holder of name is gone or timeout
// elapses, returning the ones still present.
func (r *SystemRegistry) waitForHolders(name string, timeout time.Duration) []Holder {
	deadline := time.Now().Add(timeout)
	for {
		holders, err := r.holdersOf(name)
		if err != nil || len(holders) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return holders
		}
		time.Sleep(r.pollInterval)
	}
}

// CloseAll closes every handle still open through this registry
func (r *SystemRegistry) CloseAll() {
	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.open))
	for _, h := range r.open {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	for _, h := range handles {
		_ = h.Close() // Best-effort close, ignore errors during cleanup
	}
}
