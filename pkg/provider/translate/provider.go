// Package translate defines the provider interfaces for machine translation
// backends.
//
// Two shapes are supported, matching how hosted services expose translation:
//
//   - Translator: a plain request/response call that maps text from a source
//     language to a target language. Synthesis is a separate TTS step.
//   - StreamProvider: a bidirectional streaming session that accepts text and
//     emits incremental translated-text deltas plus synthesized audio deltas,
//     collapsing translation and synthesis into one round trip.
//
// Every request carries a caller-supplied correlation id which implementations
// must echo on each derived chunk. Consumers match responses to requests by
// that id only, never by "most recent pending request".
//
// Implementations must be safe for concurrent use.
package translate

import "context"

// Request is a single translation request.
type Request struct {
	// RequestID correlates streamed responses with this request. The pipeline
	// assigns a UUID; implementations must echo it on every derived Chunk.
	RequestID string

	// Text is the source text to translate.
	Text string

	// SourceLang and TargetLang are BCP-47 language tags. Callers are expected
	// to short-circuit SourceLang == TargetLang before reaching a provider.
	SourceLang string
	TargetLang string
}

// Result is the outcome of a request/response translation.
type Result struct {
	// RequestID echoes Request.RequestID.
	RequestID string

	// Text is the full translated text.
	Text string
}

// Translator is a request/response translation backend.
type Translator interface {
	// Translate maps req.Text from req.SourceLang to req.TargetLang. The
	// implementation must not mutate req. Errors are transport or
	// configuration failures; an empty translation of non-empty input is a
	// protocol error.
	Translate(ctx context.Context, req Request) (Result, error)
}

// Chunk is one incremental event from a streaming translate+synthesize
// session. Exactly one of TextDelta and Audio is populated per chunk, except
// the terminal chunk which may carry both a final delta and Final=true.
type Chunk struct {
	// RequestID echoes the Request that produced this chunk.
	RequestID string

	// TextDelta is an incremental piece of translated text. Consumers
	// accumulate deltas into the running translation.
	TextDelta string

	// Audio is a synthesized PCM delta. Forward it to playback as it arrives;
	// waiting for the full utterance defeats the purpose of streaming.
	Audio []byte

	// Final marks the last chunk for this RequestID.
	Final bool
}

// StreamSession is an open bidirectional translate+synthesize session.
//
// All methods are safe for concurrent use. Callers must drain Chunks and call
// Close when done.
type StreamSession interface {
	// Send submits a translation request on the session. Chunks for the
	// request arrive on Chunks, tagged with req.RequestID.
	Send(ctx context.Context, req Request) error

	// Chunks returns the channel of incremental results. Closed when the
	// session ends.
	Chunks() <-chan Chunk

	// Err returns the terminal session error, if any, once Chunks is closed.
	Err() error

	// Close terminates the session. Safe to call more than once.
	Close() error
}

// StreamProvider opens combined translate+synthesize streaming sessions.
type StreamProvider interface {
	// OpenSession establishes a streaming session between the given language
	// pair. The voice parameter selects the synthesis voice; empty selects
	// the backend default.
	//
	// ctx bounds session establishment only; the returned session lives
	// until Close or a backend-side disconnect.
	OpenSession(ctx context.Context, sourceLang, targetLang, voice string) (StreamSession, error)
}
