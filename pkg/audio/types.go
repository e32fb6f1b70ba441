// Package audio defines the frame type and the source/sink boundaries of the
// babelroom pipeline.
//
// Frames are the atomic unit of audio transport: captured from an input device,
// classified by the voice activity gate, and forwarded to the streaming
// transcription session. On the output side, synthesized PCM buffers are handed
// to a Sink by the playback queue. The pipeline is agnostic to the physical
// device behind either interface; it only ever sees bytes plus a format.
package audio

import "time"

// BytesPerSample is the sample width of all PCM flowing through the pipeline.
// Everything is 16-bit little-endian mono unless a Format says otherwise.
const BytesPerSample = 2

// Format describes the PCM layout of a frame or buffer.
type Format struct {
	// SampleRate in Hz (e.g., 8000 for telephony frames, 16000 for STT input,
	// 24000 for synthesized speech).
	SampleRate int

	// Channels: 1 for mono. The core pipeline is mono end to end; stereo input
	// must be downmixed before it reaches the gate.
	Channels int
}

// Frame is a single fixed-duration slice of PCM audio flowing through the
// pipeline. Frames are ephemeral: the gate and the transcription session
// consume them synchronously and never retain the backing slice.
type Frame struct {
	// Data is raw 16-bit little-endian PCM.
	Data []byte

	// Format is the PCM layout of Data.
	Format Format

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Source yields PCM frames at a fixed cadence. It abstracts the capture device;
// the pipeline only consumes bytes and a format.
//
// Implementations must return io.EOF-style terminal errors by closing the
// channel returned from Frames; a Source that can fail mid-stream should expose
// that through its own construction API, not through the frame channel.
type Source interface {
	// Frames returns the channel of captured frames. The channel is closed when
	// the source is exhausted or closed.
	Frames() <-chan Frame

	// Close stops capture and releases the device. Safe to call more than once.
	Close() error
}

// Sink accepts PCM buffers for playback. The playback queue assumes the sink
// can acquire an exclusive communication-mode audio route on first write and
// release it on Release.
//
// Write must block until the buffer has been handed to the device; sinks that
// buffer internally (or are instantaneous, like test sinks) may return
// immediately, in which case the playback queue paces playback itself using
// [Duration].
type Sink interface {
	// Write renders a PCM buffer. Called from a single goroutine at a time.
	Write(p []byte, f Format) error

	// Release gives up the audio route. The playback queue calls this when its
	// worker tears down after an idle period and on Close. Safe to call more
	// than once.
	Release() error
}
