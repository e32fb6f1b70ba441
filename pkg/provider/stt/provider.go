// Package stt defines the Provider interface for streaming speech-to-text
// backends.
//
// An STT provider wraps a real-time transcription service and exposes a
// uniform streaming interface. The central abstraction is SessionHandle: once
// opened, a session accepts raw PCM audio frames and emits two streams of
// Transcript values: low-latency partials for UI feedback and authoritative
// finals that drive translation and room fan-out.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio after a session has been closed.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// STT backends).
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "ko", "en").
	// An empty string asks the backend to auto-detect the language, if
	// supported; detected languages come back on Transcript.DetectedLanguage.
	Language string

	// EndpointDetection asks the backend to detect utterance boundaries
	// server-side and emit an explicit end-of-utterance signal. Backends
	// without explicit boundaries mark boundaries with the final flag instead.
	EndpointDetection bool
}

// Transcript is a speech-to-text result. Both partial (interim) and final
// transcripts use this type. A Transcript is authoritative only when IsFinal
// is true; partials are transient UI feedback and must not be acted on.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal marks a committed recognition result at an utterance boundary.
	IsFinal bool

	// DetectedLanguage is the backend-detected language tag, when language
	// auto-detection is active. Empty otherwise.
	DetectedLanguage string

	// SpeakerID identifies the speaker when diarization is active.
	SpeakerID string
}

// SessionHandle is an open STT streaming session.
//
// Callers must call Close when the session is no longer needed; failing to do
// so leaks goroutines and the backend connection. All methods are safe for
// concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio to the backend. The chunk
	// must match the StreamConfig format. SendAudio is best-effort and
	// non-blocking: when the backend cannot keep up the chunk is dropped, not
	// buffered. Returns ErrSessionClosed after Close.
	SendAudio(chunk []byte) error

	// Partials returns the channel of interim transcripts. Closed when the
	// session ends.
	Partials() <-chan Transcript

	// Finals returns the channel of authoritative transcripts, delivered in
	// the order the backend emits them. Closed when the session ends.
	Finals() <-chan Transcript

	// Done returns a channel that is closed when the session has terminated,
	// whether by Close or by a backend-side disconnect. Err reports why.
	Done() <-chan struct{}

	// Err returns the terminal error after Done is closed: nil for a normal
	// close, a transport error otherwise. Before Done it returns nil.
	Err() error

	// Close terminates the session, flushing pending audio, and releases all
	// resources. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
//
// Implementations must be safe for concurrent use; multiple sessions may be
// open simultaneously.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio once the backend has
	// acknowledged the configuration.
	//
	// ctx bounds session establishment only. The returned session outlives
	// it; the session ends on Close or a backend-side disconnect, so callers
	// may pass a context carrying a connect deadline and release it as soon
	// as StartStream returns.
	//
	// Returns an error if the session cannot be established (authentication
	// failure, unsupported configuration, ctx cancelled or expired).
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
