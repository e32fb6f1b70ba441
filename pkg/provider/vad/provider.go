// Package vad defines the Engine interface for voice activity detection.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful per-stream session. Each session owns its own state (noise floor,
// run-length counters, gate flag) so that multiple concurrent audio streams can
// be processed independently.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// decision, making it suitable for the low-latency capture loop that gates STT
// input. Given its internal state and the input frame, a session must be
// deterministic; the gate is a hard invariant, not a best-effort filter.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle must not be shared across goroutines unless the
// implementation explicitly documents otherwise.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame. Common values: 8000, 16000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds. Energy
	// detectors operate on fixed frame sizes; ProcessFrame returns an error if
	// the supplied frame does not match.
	FrameSizeMs int

	// CalibrationFrames is the number of leading frames used to establish the
	// noise floor before the gate can open. Zero selects the engine default
	// (about two seconds of audio).
	CalibrationFrames int

	// SpeechFloorMultiplier scales the calibrated noise floor into the speech
	// threshold. Zero selects the engine default. This is an empirical tuning
	// value, not a contract; it does not generalize across microphones.
	SpeechFloorMultiplier float64

	// NearFieldFloorMultiplier scales the noise floor into the near-field
	// threshold used to suppress distant cross-talk. Zero selects the engine
	// default. Same caveat as SpeechFloorMultiplier.
	NearFieldFloorMultiplier float64

	// OpenAfterFrames is the number of consecutive qualifying frames required
	// to open the gate. Zero selects the engine default (fast open).
	OpenAfterFrames int

	// CloseAfterFrames is the number of consecutive non-qualifying frames
	// required to close an open gate. Zero selects the engine default (slow
	// close, so brief pauses inside an utterance don't chatter the gate).
	CloseAfterFrames int
}

// Decision is the classification result for a single frame together with the
// gate state after the frame has been applied.
type Decision struct {
	// IsSpeech reports whether the frame's energy cleared the speech threshold.
	IsSpeech bool

	// IsNearField reports whether the frame's energy cleared the near-field
	// threshold. A frame only counts toward opening the gate when both
	// IsSpeech and IsNearField hold.
	IsNearField bool

	// GateOpen is the gate state after this frame. The capture loop forwards a
	// frame downstream only when GateOpen is true.
	GateOpen bool

	// RMS is the root-mean-square energy of the frame, in int16 sample units.
	RMS float64

	// Calibrating reports whether the session is still measuring the noise
	// floor. While calibrating, IsSpeech and IsNearField are always false.
	Calibrating bool
}

// SessionHandle is an active VAD session for a single audio stream.
//
// A SessionHandle must not be shared between goroutines unless the
// implementation explicitly guarantees concurrent safety.
type SessionHandle interface {
	// ProcessFrame classifies a single audio frame and returns the decision.
	// The frame must be raw little-endian PCM matching the session Config.
	// It must not block.
	ProcessFrame(frame []byte) (Decision, error)

	// GateOpen reports the current gate state without processing a frame.
	GateOpen() bool

	// Reset clears all accumulated state (noise floor, run lengths, gate)
	// and re-enters calibration. Use this when the audio source changes or a
	// new listening session starts.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
