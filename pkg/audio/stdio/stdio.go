// Package stdio implements the audio source and sink boundaries over plain
// byte streams: raw PCM in on an io.Reader, raw PCM out on an io.Writer.
//
// This is the headless deployment shape: pipe arecord/parec (or any capture
// process) into stdin and stdout into aplay/pacat. The source paces frames at
// capture cadence so that piping a file in does not flood the gate; the sink
// writes immediately and relies on the playback queue's pacing.
package stdio

import (
	"io"
	"sync"
	"time"

	"github.com/babelroom/babelroom/pkg/audio"
)

// Source reads fixed-size PCM frames from r and emits them at frame cadence.
type Source struct {
	r       io.Reader
	format  audio.Format
	frameMs int

	frames    chan audio.Frame
	closeOnce sync.Once
	done      chan struct{}
}

// NewSource starts reading frames of frameMs duration in the given format
// from r. The frame channel closes on EOF, read error, or Close.
func NewSource(r io.Reader, f audio.Format, frameMs int) *Source {
	s := &Source{
		r:       r,
		format:  f,
		frameMs: frameMs,
		frames:  make(chan audio.Frame, 8),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Frames implements audio.Source.
func (s *Source) Frames() <-chan audio.Frame { return s.frames }

// Close implements audio.Source. It stops the read loop; the underlying
// reader is not closed, that stays with whoever opened it. A read blocked on
// a quiet reader keeps blocking until that reader yields or fails, so close
// the reader too when the stream should end promptly. The frame channel
// closes as soon as the loop observes either signal.
func (s *Source) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *Source) readLoop() {
	defer close(s.frames)

	frameBytes := audio.FrameBytes(s.format.SampleRate, s.frameMs)
	interval := time.Duration(s.frameMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var elapsed time.Duration
	for {
		select {
		case <-s.done:
			return
		default:
		}

		buf := make([]byte, frameBytes)
		if _, err := io.ReadFull(s.r, buf); err != nil {
			// EOF and reader failures both end the stream; the capture loop
			// treats a closed channel as end of input.
			return
		}

		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		frame := audio.Frame{Data: buf, Format: s.format, Timestamp: elapsed}
		elapsed += interval

		select {
		case s.frames <- frame:
		case <-s.done:
			return
		}
	}
}

// Sink writes PCM buffers to w. Write returns as soon as the bytes are handed
// off, so pair it with the playback queue's pacing option.
type Sink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewSink creates a Sink writing to w.
func NewSink(w io.Writer) *Sink {
	return &Sink{w: w}
}

// Write implements audio.Sink.
func (s *Sink) Write(p []byte, _ audio.Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(p)
	return err
}

// Release implements audio.Sink. Byte streams hold no exclusive audio route,
// so this only flushes if the writer supports it.
func (s *Sink) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	type flusher interface{ Flush() error }
	if f, ok := s.w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

var (
	_ audio.Source = (*Source)(nil)
	_ audio.Sink   = (*Sink)(nil)
)
