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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultCapacity is the queue size used when Options.Capacity is unset
const DefaultCapacity = 1024

// digestLen is the number of hex characters kept from the SHA-256 sum
const digestLen = 16

// Options configures a Log
type Options struct {
	// Capacity bounds the queue between Record and the writer. When full
	// the oldest queued entry is dropped.
	Capacity  int
	Verbosity Verbosity
	// Format is "text" or "json"
	Format string
	// Logger receives write failures; nil discards them.
	Logger *zap.Logger
}

// Log is a bounded, non-blocking traffic recorder. Record only takes a
// short lock; a background writer encodes entries to the underlying core.
type Log struct {
	core      zapcore.Core
	closer    io.Closer
	verbosity Verbosity
	logger    *zap.Logger

	mu             sync.Mutex
	ring           []Entry
	head, count    int
	pendingDropped uint64
	closed         bool

	dropped  atomic.Uint64
	wake     chan struct{}
	done     chan struct{}
	stopped  chan struct{}
	once     sync.Once
	closeErr error
}

// New starts a Log that writes to core. The caller keeps ownership of
// whatever core writes to.
func New(core zapcore.Core, opts Options) *Log {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	l := &Log{
		core:      core,
		verbosity: opts.Verbosity,
		logger:    opts.Logger.Named("traffic"),
		ring:      make([]Entry, opts.Capacity),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Open creates the file at path, including missing parent directories,
// and starts a Log appending to it.
func Open(path string, opts Options) (*Log, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open traffic log: %w", err)
	}

	core, err := NewCore(zapcore.AddSync(f), opts.Format)
	if err != nil {
		f.Close()
		return nil, err
	}

	l := New(core, opts)
	l.closer = f
	return l, nil
}

// NewCore builds the encoder core used for traffic files
func NewCore(w zapcore.WriteSyncer, format string) (zapcore.Core, error) {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		MessageKey:     "event",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}

	var enc zapcore.Encoder
	switch format {
	case "", "text", "console":
		enc = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unknown traffic log format %q", format)
	}
	return zapcore.NewCore(enc, w, zapcore.DebugLevel), nil
}

// DefaultPath returns dir/<prefix>-YYYYMMDD-HHMMSS.log for now
func DefaultPath(dir, prefix string, now time.Time) string {
	if prefix == "" {
		prefix = "bridge"
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%s.log", prefix, now.Format("20060102-150405")))
}

// Record queues e. It never waits for the writer: if the queue is full
// the oldest entry is discarded and counted. e.Payload may be reused by
// the caller once Record returns.
func (l *Log) Record(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if e.Length == 0 {
		e.Length = len(e.Payload)
	}

	switch l.verbosity {
	case VerbositySummary:
		e.Payload = nil
	case VerbosityDigest:
		sum := sha256.Sum256(e.Payload)
		e.Digest = hex.EncodeToString(sum[:])[:digestLen]
		e.Payload = nil
	default:
		e.Payload = bytes.Clone(e.Payload)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.dropped.Inc()
		return
	}
	if l.count == len(l.ring) {
		l.ring[l.head] = Entry{}
		l.head = (l.head + 1) % len(l.ring)
		l.count--
		l.pendingDropped++
		l.dropped.Inc()
	}
	l.ring[(l.head+l.count)%len(l.ring)] = e
	l.count++
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Dropped returns how many entries were discarded so far. It never
// decreases.
func (l *Log) Dropped() uint64 {
	return l.dropped.Load()
}

// Close stops accepting entries, writes everything still queued and
// closes the file opened by Open. Later calls return the first result.
func (l *Log) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.done)
		<-l.stopped

		l.closeErr = l.core.Sync()
		if l.closer != nil {
			if err := l.closer.Close(); l.closeErr == nil {
				l.closeErr = err
			}
		}
	})
	return l.closeErr
}

func (l *Log) run() {
	defer close(l.stopped)

	for {
		select {
		case <-l.wake:
			l.flush()
		case <-l.done:
			l.flush()
			return
		}
	}
}

// flush takes everything queued and writes it outside the lock
func (l *Log) flush() {
	l.mu.Lock()
	batch := make([]Entry, 0, l.count)
	for l.count > 0 {
		batch = append(batch, l.ring[l.head])
		l.ring[l.head] = Entry{}
		l.head = (l.head + 1) % len(l.ring)
		l.count--
	}
	dropped := l.pendingDropped
	l.pendingDropped = 0
	l.mu.Unlock()

	if dropped > 0 {
		l.write(zapcore.Entry{Level: zapcore.WarnLevel, Time: time.Now(), Message: "dropped"},
			[]zapcore.Field{zap.Uint64("count", dropped), zap.Uint64("total", l.dropped.Load())})
	}

	for _, e := range batch {
		fields := []zapcore.Field{
			zap.Stringer("direction", e.Direction),
			zap.Int("bytes", e.Length),
		}
		if e.Digest != "" {
			fields = append(fields, zap.String("sha256", e.Digest))
		}
		if e.Payload != nil {
			fields = append(fields, zap.String("payload", hex.EncodeToString(e.Payload)))
		}
		l.write(zapcore.Entry{Level: zapcore.InfoLevel, Time: e.Time, Message: e.Direction.Label()}, fields)
	}
}

func (l *Log) write(ent zapcore.Entry, fields []zapcore.Field) {
	if err := l.core.Write(ent, fields); err != nil {
		l.logger.Warn("failed to write traffic entry", zap.Error(err))
	}
}
