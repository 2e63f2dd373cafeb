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

// Package serialtest provides an in-memory go.bug.st/serial Port for tests.
package serialtest

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"go.bug.st/serial"
)

// ErrClosed is returned by I/O on a closed Port
var ErrClosed = errors.New("serialtest: port closed")

// Port is an in-memory serial.Port. Bytes the remote peer sends are
// queued with Inject and come out of Read; bytes the host writes are
// collected and observed with Output or WaitOutput.
type Port struct {
	Name string

	mu          sync.Mutex
	in          bytes.Buffer
	out         bytes.Buffer
	inReady     chan struct{}
	outReady    chan struct{}
	readTimeout time.Duration
	readErr     error
	writeErr    error
	maxWrite    int
	writeDelay  time.Duration
	closed      bool
	dtr, rts    *bool
	mode        serial.Mode
}

var _ serial.Port = (*Port)(nil)

// New creates an open Port
func New(name string) *Port {
	return &Port{
		Name:        name,
		inReady:     make(chan struct{}, 1),
		outReady:    make(chan struct{}, 1),
		readTimeout: 10 * time.Millisecond,
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Inject queues bytes as if the remote peer had sent them
func (p *Port) Inject(data []byte) {
	p.mu.Lock()
	p.in.Write(data)
	p.mu.Unlock()
	notify(p.inReady)
}

// FailReads makes every following Read return err, simulating a device
// that disappeared.
func (p *Port) FailReads(err error) {
	p.mu.Lock()
	p.readErr = err
	p.mu.Unlock()
	notify(p.inReady)
}

// FailWrites makes every following Write return err
func (p *Port) FailWrites(err error) {
	p.mu.Lock()
	p.writeErr = err
	p.mu.Unlock()
}

// LimitWrites caps how many bytes a single Write accepts, forcing short
// writes.
func (p *Port) LimitWrites(n int) {
	p.mu.Lock()
	p.maxWrite = n
	p.mu.Unlock()
}

// DelayWrites makes each Write block for d before accepting data
func (p *Port) DelayWrites(d time.Duration) {
	p.mu.Lock()
	p.writeDelay = d
	p.mu.Unlock()
}

// Output returns a copy of everything written to the port so far
func (p *Port) Output() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.out.Bytes())
}

// WaitOutput blocks until at least n bytes were written or timeout
// elapses, and returns what was written.
func (p *Port) WaitOutput(n int, timeout time.Duration) []byte {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		p.mu.Lock()
		if p.out.Len() >= n {
			out := bytes.Clone(p.out.Bytes())
			p.mu.Unlock()
			return out
		}
		p.mu.Unlock()

		select {
		case <-p.outReady:
		case <-deadline.C:
			return p.Output()
		}
	}
}

// Lines returns the modem output line states last set by the host
func (p *Port) Lines() (dtr, rts *bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dtr, p.rts
}

// IsClosed reports whether Close was called
func (p *Port) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Read returns injected bytes, or 0 and nil once the read timeout passes
// with nothing to deliver.
func (p *Port) Read(buf []byte) (int, error) {
	p.mu.Lock()
	timeout := p.readTimeout
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return 0, ErrClosed
		}
		if p.in.Len() > 0 {
			n, _ := p.in.Read(buf)
			p.mu.Unlock()
			return n, nil
		}
		if p.readErr != nil {
			err := p.readErr
			p.mu.Unlock()
			return 0, err
		}
		p.mu.Unlock()

		select {
		case <-p.inReady:
		case <-timer.C:
			return 0, nil
		}
	}
}

// Write records data as sent to the remote peer
func (p *Port) Write(data []byte) (int, error) {
	p.mu.Lock()
	delay := p.writeDelay
	p.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	if p.writeErr != nil {
		err := p.writeErr
		p.mu.Unlock()
		return 0, err
	}
	n := len(data)
	if p.maxWrite > 0 && n > p.maxWrite {
		n = p.maxWrite
	}
	p.out.Write(data[:n])
	p.mu.Unlock()

	notify(p.outReady)
	return n, nil
}

func (p *Port) SetMode(mode *serial.Mode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = *mode
	return nil
}

func (p *Port) Drain() error             { return nil }
func (p *Port) ResetInputBuffer() error  { return nil }
func (p *Port) ResetOutputBuffer() error { return nil }

func (p *Port) SetDTR(dtr bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dtr = &dtr
	return nil
}

func (p *Port) SetRTS(rts bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rts = &rts
	return nil
}

func (p *Port) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return &serial.ModemStatusBits{}, nil
}

func (p *Port) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = t
	return nil
}

func (p *Port) Break(time.Duration) error { return nil }

// Close marks the port closed and wakes pending reads
func (p *Port) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	notify(p.inReady)
	return nil
}
