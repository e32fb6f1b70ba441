// Package tts defines the Provider interface for text-to-speech backends.
//
// A TTS provider wraps a speech synthesis service and presents a streaming
// interface: SynthesizeStream accepts a channel of text fragments and returns
// a channel of raw PCM audio as it becomes available, so playback can begin
// before the full utterance has been synthesized. First-audio-chunk latency is
// the design driver.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Voice selects a synthesis voice and language.
type Voice struct {
	// ID is the provider-specific voice identifier. Empty selects the
	// provider default.
	ID string

	// Language is the BCP-47 tag of the language being spoken. Providers that
	// infer language from the text may ignore it.
	Language string
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel emitting raw PCM audio chunks as they are
	// synthesized. The returned channel is closed when all text has been
	// rendered or ctx is cancelled. The caller must drain the audio channel
	// to avoid blocking the provider's internal goroutines.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// during synthesis are signalled by closing the audio channel early;
	// callers should check ctx.Err() to distinguish cancellation.
	SynthesizeStream(ctx context.Context, text <-chan string, voice Voice) (<-chan []byte, error)

	// SampleRate reports the PCM sample rate of the audio chunks this
	// provider emits.
	SampleRate() int
}
