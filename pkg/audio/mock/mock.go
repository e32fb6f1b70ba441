// Package mock provides scripted audio sources and recording sinks for tests.
package mock

import (
	"sync"
	"time"

	"github.com/babelroom/babelroom/pkg/audio"
)

// Source replays a fixed list of frames and then closes its channel. It
// implements [audio.Source].
type Source struct {
	ch        chan audio.Frame
	closeOnce sync.Once
}

// NewSource creates a Source that yields the given frames in order.
func NewSource(frames ...audio.Frame) *Source {
	s := &Source{ch: make(chan audio.Frame, len(frames))}
	for _, f := range frames {
		s.ch <- f
	}
	close(s.ch)
	return s
}

// Frames implements audio.Source.
func (s *Source) Frames() <-chan audio.Frame { return s.ch }

// Close implements audio.Source.
func (s *Source) Close() error { return nil }

// Write records one Write call on a [Sink].
type Write struct {
	Data   []byte
	Format audio.Format

	// Start and End bracket the Write call, including any artificial render
	// delay. Tests use these to assert no-overlap ordering.
	Start time.Time
	End   time.Time
}

// Sink records every buffer written to it. It implements [audio.Sink].
// All methods are safe for concurrent use.
type Sink struct {
	// RenderDelay, when non-zero, makes each Write block for that duration to
	// simulate a device that renders in real time.
	RenderDelay time.Duration

	mu       sync.Mutex
	writes   []Write
	released int
}

// Write implements audio.Sink.
func (s *Sink) Write(p []byte, f audio.Format) error {
	start := time.Now()
	if s.RenderDelay > 0 {
		time.Sleep(s.RenderDelay)
	}
	end := time.Now()

	cp := make([]byte, len(p))
	copy(cp, p)

	s.mu.Lock()
	s.writes = append(s.writes, Write{Data: cp, Format: f, Start: start, End: end})
	s.mu.Unlock()
	return nil
}

// Release implements audio.Sink.
func (s *Sink) Release() error {
	s.mu.Lock()
	s.released++
	s.mu.Unlock()
	return nil
}

// Writes returns a copy of all recorded writes in order.
func (s *Sink) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Write, len(s.writes))
	copy(out, s.writes)
	return out
}

// Released returns how many times Release has been called.
func (s *Sink) Released() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
