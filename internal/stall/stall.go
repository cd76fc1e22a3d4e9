// Package stall detects byte streams whose throughput stays below a minimum
// for longer than a grace period and aborts them.
package stall

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yuya-takeyama/strict-sync/internal/syncerr"
)

const minTick = 10 * time.Millisecond

// Config controls stalled stream protection.
type Config struct {
	Enabled bool
	// MinThroughput is the minimum acceptable rate in bytes per second.
	MinThroughput int64
	// Grace is how long throughput may stay below MinThroughput.
	Grace time.Duration
}

// DefaultConfig returns protection enabled at 1 byte/s over 20 seconds.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		MinThroughput: 1,
		Grace:         20 * time.Second,
	}
}

// Validate checks an enabled config for usable values.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.MinThroughput <= 0 {
		return fmt.Errorf("stalled stream min throughput must be positive, got %d", c.MinThroughput)
	}
	if c.Grace <= 0 {
		return fmt.Errorf("stalled stream grace must be positive, got %s", c.Grace)
	}
	return nil
}

func (c Config) tick() time.Duration {
	t := c.Grace / 10
	if t < minTick {
		t = minTick
	}
	return t
}

type sample struct {
	at    time.Time
	total int64
}

// Reader wraps a stream with a throughput watchdog. Once the watchdog fires,
// onStall is called, the underlying stream is closed, and every later Read
// fails with an error wrapping syncerr.ErrStalledStream.
type Reader struct {
	r       io.ReadCloser
	cfg     Config
	onStall func()
	size    int64

	total   atomic.Int64
	stalled atomic.Bool

	stop      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

// NewReader wraps r. When cfg is disabled the returned Reader only forwards
// calls. onStall may be nil; callers typically pass the cancel func of the
// request context that produced r.
func NewReader(r io.ReadCloser, cfg Config, onStall func()) *Reader {
	return NewSizedReader(r, -1, cfg, onStall)
}

// NewSizedReader is NewReader for a stream of known length. The watchdog
// stops once size bytes have been read, so a consumer that never asks for
// EOF (an HTTP client sending a request body) is not judged while it waits
// for the response.
func NewSizedReader(r io.ReadCloser, size int64, cfg Config, onStall func()) *Reader {
	sr := &Reader{
		r:       r,
		cfg:     cfg,
		onStall: onStall,
		size:    size,
		stop:    make(chan struct{}),
	}
	if cfg.Enabled {
		go sr.watch(time.Now())
	}
	return sr
}

// Read implements io.Reader.
func (s *Reader) Read(p []byte) (int, error) {
	if s.stalled.Load() {
		return 0, s.stallErr()
	}
	n, err := s.r.Read(p)
	total := s.total.Add(int64(n))
	if s.stalled.Load() {
		return n, s.stallErr()
	}
	if err != nil || (s.size >= 0 && total >= s.size) {
		s.halt()
	}
	return n, err
}

// Seek forwards to the underlying stream when it can seek, so that callers
// may replay a request body. The byte counter keeps counting across seeks.
func (s *Reader) Seek(offset int64, whence int) (int64, error) {
	seeker, ok := s.r.(io.Seeker)
	if !ok {
		return 0, errors.New("stall: underlying stream cannot seek")
	}
	if s.stalled.Load() {
		return 0, s.stallErr()
	}
	return seeker.Seek(offset, whence)
}

// Close stops the watchdog and closes the underlying stream.
func (s *Reader) Close() error {
	s.halt()
	return s.closeUnderlying()
}

// Stalled reports whether the watchdog aborted the stream.
func (s *Reader) Stalled() bool {
	return s.stalled.Load()
}

// Err returns the stall error once the watchdog has fired, nil otherwise.
// Callers whose consumer reports cancellation instead of the read error use
// it to tell a stall apart from other failures.
func (s *Reader) Err() error {
	if !s.stalled.Load() {
		return nil
	}
	return s.stallErr()
}

// BytesRead returns the number of bytes read so far.
func (s *Reader) BytesRead() int64 {
	return s.total.Load()
}

func (s *Reader) stallErr() error {
	return fmt.Errorf("below %d B/s for %s: %w", s.cfg.MinThroughput, s.cfg.Grace, syncerr.ErrStalledStream)
}

func (s *Reader) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Reader) closeUnderlying() error {
	s.closeOnce.Do(func() { s.closeErr = s.r.Close() })
	return s.closeErr
}

// watch samples the byte counter every tick and keeps the samples that cover
// the last grace period. The stream is stalled when a full grace period has
// elapsed and the bytes read within the window fall short of
// MinThroughput * Grace.
func (s *Reader) watch(start time.Time) {
	ticker := time.NewTicker(s.cfg.tick())
	defer ticker.Stop()

	window := []sample{{at: start, total: 0}}
	required := float64(s.cfg.MinThroughput) * s.cfg.Grace.Seconds()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			cur := sample{at: now, total: s.total.Load()}
			window = append(window, cur)

			// Drop samples older than the window, keeping the newest one
			// at or before its start as the baseline.
			cutoff := now.Add(-s.cfg.Grace)
			for len(window) > 1 && !window[1].at.After(cutoff) {
				window = window[1:]
			}

			if now.Sub(start) < s.cfg.Grace {
				continue
			}
			if float64(cur.total-window[0].total) < required {
				s.abort()
				return
			}
		}
	}
}

func (s *Reader) abort() {
	s.stalled.Store(true)
	if s.onStall != nil {
		s.onStall()
	}
	_ = s.closeUnderlying()
}
