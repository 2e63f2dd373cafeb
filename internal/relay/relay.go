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

// Package relay forwards bytes in both directions between two serial
// endpoints.
package relay

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Shoaibashk/BaudBridge/internal/serial"
	"github.com/Shoaibashk/BaudBridge/internal/traffic"
)

// DefaultBufferSize is the per-direction read buffer size
const DefaultBufferSize = 4096

// Endpoint is one side of the bridge. Read must return 0 and a nil error
// when its timeout passes with no data.
type Endpoint interface {
	io.Reader
	io.Writer
	Name() string
}

// Sink receives an entry for every forwarded chunk. Record must not keep
// the payload slice after returning.
type Sink interface {
	Record(e traffic.Entry)
}

// Error reports the failure that stopped a relay
type Error struct {
	Direction traffic.Direction
	Op        string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("relay %s %s: %v", e.Direction, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options configures a Relay
type Options struct {
	BufferSize int
	Logger     *zap.Logger
}

// Relay pumps bytes between a real and a virtual endpoint
type Relay struct {
	stats   *Stats
	sink    Sink
	bufSize int
	logger  *zap.Logger
}

// New creates a Relay updating stats and reporting chunks to sink. A nil
// sink disables traffic recording.
func New(stats *Stats, sink Sink, opts Options) *Relay {
	if stats == nil {
		stats = NewStats()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Relay{
		stats:   stats,
		sink:    sink,
		bufSize: opts.BufferSize,
		logger:  opts.Logger.Named("relay"),
	}
}

// Stats returns the counters the relay updates
func (r *Relay) Stats() *Stats { return r.stats }

// Run forwards in both directions until ctx is cancelled or one direction
// fails. A failure in either direction stops the other one before Run
// returns. Cancellation returns nil.
func (r *Relay) Run(ctx context.Context, realPort, virtualPort Endpoint) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.pump(gctx, traffic.RealToVirtual, realPort, virtualPort)
	})
	g.Go(func() error {
		return r.pump(gctx, traffic.VirtualToReal, virtualPort, realPort)
	})

	err := g.Wait()
	if err != nil {
		r.logger.Warn("relay stopped",
			zap.String("real", realPort.Name()),
			zap.String("virtual", virtualPort.Name()),
			zap.Error(err))
	}
	return err
}

// pump is the forwarding loop of one direction. It owns its buffer.
func (r *Relay) pump(ctx context.Context, dir traffic.Direction, src, dst Endpoint) error {
	buf := make([]byte, r.bufSize)
	stats := r.stats.For(dir)

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if err := writeFull(ctx, dst, chunk); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				stats.errors.Inc()
				return &Error{Direction: dir, Op: "write", Err: err}
			}

			now := time.Now()
			if r.sink != nil {
				r.sink.Record(traffic.Entry{Time: now, Direction: dir, Length: n, Payload: chunk})
			}
			stats.forwarded(n, now)
		}

		if readErr != nil {
			stats.errors.Inc()
			return &Error{Direction: dir, Op: "read", Err: readErr}
		}
	}
}

// writeFull writes p completely, retrying short writes. A write that makes
// no progress is reported as ErrShortWrite.
func writeFull(ctx context.Context, dst Endpoint, p []byte) error {
	for len(p) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := dst.Write(p)
		if err != nil {
			return err
		}
		if n <= 0 {
			return &serial.PortIOError{Port: dst.Name(), Op: "write", Err: serial.ErrShortWrite}
		}
		p = p[n:]
	}
	return nil
}
