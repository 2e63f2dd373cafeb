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

// Package session supervises a bridge between a real and a virtual port:
// it opens both ports, runs the relay and reconnects after failures.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/Shoaibashk/BaudBridge/internal/relay"
	"github.com/Shoaibashk/BaudBridge/internal/serial"
)

// ErrAlreadyStarted is returned when Run is called twice
var ErrAlreadyStarted = errors.New("session already started")

// RetriesExhaustedError reports that the session gave up reconnecting
type RetriesExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Last }

// Options configures a Session
type Options struct {
	Real    serial.PortSpec
	Virtual serial.PortSpec

	ReleaseMode ReleaseMode

	// Reconnect enables the reconnect path. When false the first failure
	// is final.
	Reconnect bool
	// MaxRetries bounds consecutive reconnect attempts after a failure;
	// -1 retries forever. The count restarts once the bridge is running.
	MaxRetries int
	Backoff    Backoff

	BufferSize int
	Sink       relay.Sink
	Logger     *zap.Logger
}

// Session owns both port handles and the relay between them
type Session struct {
	ID string

	reg    serial.Registry
	opts   Options
	logger *zap.Logger
	relay  *relay.Relay

	state    atomic.Int32
	attempts atomic.Int64
	started  atomic.Bool

	mu        sync.Mutex
	listeners []func(from, to State)

	sleep func(ctx context.Context, d time.Duration) error
}

// New validates opts and creates a session in the Connecting state
func New(reg serial.Registry, opts Options) (*Session, error) {
	if err := opts.Real.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Virtual.Validate(); err != nil {
		return nil, err
	}
	if opts.Real.Name == opts.Virtual.Name {
		return nil, &serial.ConfigurationError{Port: opts.Real.Name, Field: "virtual port", Reason: "same as the real port"}
	}
	if opts.MaxRetries < -1 {
		return nil, &serial.ConfigurationError{Field: "max retries", Reason: fmt.Sprintf("%d", opts.MaxRetries)}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	id := uuid.New().String()
	logger := opts.Logger.Named("session").With(
		zap.String("session", id),
		zap.String("real", opts.Real.Name),
		zap.String("virtual", opts.Virtual.Name))

	s := &Session{
		ID:     id,
		reg:    reg,
		opts:   opts,
		logger: logger,
		relay: relay.New(relay.NewStats(), opts.Sink, relay.Options{
			BufferSize: opts.BufferSize,
			Logger:     logger,
		}),
		sleep: sleepContext,
	}
	s.state.Store(int32(Connecting))
	return s, nil
}

// State returns the current state
func (s *Session) State() State {
	return State(s.state.Load())
}

// Stats returns a copy of the cumulative relay counters
func (s *Session) Stats() relay.StatsSnapshot {
	return s.relay.Stats().Snapshot()
}

// Attempts returns how many times the session tried to open its ports
func (s *Session) Attempts() int {
	return int(s.attempts.Load())
}

// OnStateChange registers fn to be called on every transition. fn runs on
// the session goroutine and must not block.
func (s *Session) OnStateChange(fn func(from, to State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Session) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}

	s.logger.Info("state changed", zap.Stringer("from", from), zap.Stringer("to", to))

	s.mu.Lock()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(from, to)
	}
}

// Run drives the session until ctx is cancelled or it fails. It returns
// nil after a clean stop, a *serial.ConfigurationError when the bridge
// could never start, and a *RetriesExhaustedError when reconnecting gave
// up. Both handles are closed before Run returns.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if err := claim(s.ID, s.opts.Real.Name, s.opts.Virtual.Name); err != nil {
		s.setState(Failed)
		return err
	}
	defer unclaim(s.ID)

	retries := 0
	for {
		s.setState(Connecting)

		healthy, err := s.connectAndRelay(ctx)
		if ctx.Err() != nil {
			s.setState(Stopped)
			return nil
		}
		if err == nil {
			// The relay only returns nil on cancellation.
			s.setState(Stopped)
			return nil
		}

		if serial.IsConfigurationError(err) {
			s.logger.Error("configuration error, not retrying", zap.Error(err))
			s.setState(Failed)
			return err
		}

		if healthy {
			retries = 0
		}
		if !s.opts.Reconnect || (s.opts.MaxRetries >= 0 && retries >= s.opts.MaxRetries) {
			s.logger.Error("giving up", zap.Int("attempts", s.Attempts()), zap.Error(err))
			s.setState(Failed)
			return &RetriesExhaustedError{Attempts: s.Attempts(), Last: err}
		}

		retries++
		s.setState(Reconnecting)
		delay := s.opts.Backoff.Delay(retries)
		s.logger.Warn("reconnecting",
			zap.Int("retry", retries),
			zap.Int("max_retries", s.opts.MaxRetries),
			zap.Duration("delay", delay),
			zap.Error(err))

		if err := s.sleep(ctx, delay); err != nil {
			s.setState(Stopped)
			return nil
		}
	}
}

// connectAndRelay opens both ports and relays until the relay stops. It
// reports whether the connection was healthy: it forwarded data or stayed
// up for at least stableAfter. Only a healthy connection resets the retry
// count, so a device that fails right after opening still exhausts it.
func (s *Session) connectAndRelay(ctx context.Context) (bool, error) {
	attempt := s.attempts.Inc()
	s.logger.Info("opening ports", zap.Int64("attempt", attempt))

	if s.opts.ReleaseMode == ReleaseEvery || (s.opts.ReleaseMode == ReleaseFirst && attempt == 1) {
		_ = s.release(s.opts.Real.Name)
		_ = s.release(s.opts.Virtual.Name)
	}

	realPort, err := s.open(s.opts.Real)
	if err != nil {
		s.logger.Warn("failed to open real port", zap.Int64("attempt", attempt), zap.Error(err))
		return false, err
	}
	defer realPort.Close()

	virtualPort, err := s.open(s.opts.Virtual)
	if err != nil {
		s.logger.Warn("failed to open virtual port", zap.Int64("attempt", attempt), zap.Error(err))
		return false, err
	}
	defer virtualPort.Close()

	s.setState(Running)
	s.logger.Info("bridge running",
		zap.Stringer("real_spec", realPort.Spec()),
		zap.Stringer("virtual_spec", virtualPort.Spec()))

	before := s.relay.Stats().Snapshot().TotalBytes()
	start := time.Now()
	err = s.relay.Run(ctx, realPort, virtualPort)

	healthy := s.relay.Stats().Snapshot().TotalBytes() > before || time.Since(start) >= s.stableAfter()
	return healthy, err
}

// stableAfter is how long a connection must stay up to count as healthy
func (s *Session) stableAfter() time.Duration {
	if s.opts.Backoff.Max > 0 {
		return s.opts.Backoff.Max
	}
	return s.opts.Backoff.Initial
}

// open acquires one port. In on-busy mode a locked port is released and
// opened once more.
func (s *Session) open(spec serial.PortSpec) (*serial.Handle, error) {
	h, err := s.reg.Open(spec)
	if err != nil && s.opts.ReleaseMode == ReleaseOnBusy && errors.Is(err, serial.ErrPortBusy) {
		if s.release(spec.Name) == nil {
			h, err = s.reg.Open(spec)
		}
	}
	return h, err
}

// release force-releases name. Failures are logged and returned; the
// following open decides whether the attempt fails.
func (s *Session) release(name string) error {
	err := s.reg.ForceRelease(name)
	if err != nil {
		s.logger.Warn("force release failed", zap.String("port", name), zap.Error(err))
		return err
	}
	s.logger.Debug("port released", zap.String("port", name))
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
