// Package energy implements vad.Engine with an adaptive noise-floor RMS gate.
//
// The detector computes the RMS energy of each frame. During an initial
// calibration window the noise floor is learned as an incremental running mean
// of frame RMS. After calibration two thresholds are derived from the floor:
//
//	speech     = clamp(noiseFloor × SpeechFloorMultiplier)
//	near-field = clamp(noiseFloor × NearFieldFloorMultiplier)
//
// A frame counts toward opening the gate only when its RMS clears both
// thresholds; the near-field requirement suppresses distant cross-talk from
// other people in the room. The gate uses asymmetric hysteresis: it opens
// after a few consecutive qualifying frames (fast open, so utterance onsets
// are not clipped) and closes only after a longer run of non-qualifying frames
// (slow close, so brief pauses inside an utterance don't chatter the gate).
//
// The multipliers are empirical starting points, not contractual values; they
// were tuned against a handful of phone microphones and do not generalize.
package energy

import (
	"errors"
	"fmt"
	"math"

	"github.com/babelroom/babelroom/pkg/audio"
	"github.com/babelroom/babelroom/pkg/provider/vad"
)

// Compile-time interface assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)

// Engine defaults. All of them can be overridden per session via vad.Config.
const (
	// DefaultCalibrationFrames is roughly two seconds of 20 ms frames.
	DefaultCalibrationFrames = 100

	// DefaultSpeechFloorMultiplier scales the noise floor into the speech
	// threshold.
	DefaultSpeechFloorMultiplier = 2.2

	// DefaultNearFieldFloorMultiplier scales the noise floor into the
	// near-field threshold.
	DefaultNearFieldFloorMultiplier = 3.2

	// DefaultOpenAfterFrames is the qualifying run length that opens the gate.
	DefaultOpenAfterFrames = 3

	// DefaultCloseAfterFrames is the non-qualifying run length that closes it.
	DefaultCloseAfterFrames = 10
)

// Threshold clamp range, in int16 RMS units. Keeps a silent room from
// producing a near-zero threshold that triggers on breath noise, and a loud
// room from producing one that nothing clears.
const (
	minSpeechThreshold    = 250.0
	maxSpeechThreshold    = 8000.0
	minNearFieldThreshold = 400.0
	maxNearFieldThreshold = 12000.0
)

// Engine is a stateless factory for energy-gate sessions. The zero value is
// ready to use; New exists for symmetry with the other providers.
type Engine struct{}

// New returns a new energy VAD Engine.
func New() *Engine { return &Engine{} }

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, errors.New("energy: SampleRate must be positive")
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, errors.New("energy: FrameSizeMs must be positive")
	}
	if cfg.SpeechFloorMultiplier < 0 || cfg.NearFieldFloorMultiplier < 0 {
		return nil, errors.New("energy: floor multipliers must not be negative")
	}

	s := &session{
		frameBytes:     audio.FrameBytes(cfg.SampleRate, cfg.FrameSizeMs),
		calibFrames:    cfg.CalibrationFrames,
		speechMult:     cfg.SpeechFloorMultiplier,
		nearMult:       cfg.NearFieldFloorMultiplier,
		openAfter:      cfg.OpenAfterFrames,
		closeAfter:     cfg.CloseAfterFrames,
	}
	if s.calibFrames <= 0 {
		s.calibFrames = DefaultCalibrationFrames
	}
	if s.speechMult == 0 {
		s.speechMult = DefaultSpeechFloorMultiplier
	}
	if s.nearMult == 0 {
		s.nearMult = DefaultNearFieldFloorMultiplier
	}
	if s.openAfter <= 0 {
		s.openAfter = DefaultOpenAfterFrames
	}
	if s.closeAfter <= 0 {
		s.closeAfter = DefaultCloseAfterFrames
	}
	return s, nil
}

// session holds the per-stream voice activity state. It is owned by a single
// capture loop and is not safe for concurrent use.
type session struct {
	frameBytes  int
	calibFrames int
	speechMult  float64
	nearMult    float64
	openAfter   int
	closeAfter  int

	noiseFloor     float64
	calibSeen      int
	speechRunLen   int
	silenceRunLen  int
	gateOpen       bool
	closed         bool
}

// ProcessFrame implements vad.SessionHandle.
func (s *session) ProcessFrame(frame []byte) (vad.Decision, error) {
	if s.closed {
		return vad.Decision{}, errors.New("energy: session is closed")
	}
	if len(frame) != s.frameBytes {
		return vad.Decision{}, fmt.Errorf("energy: frame size %d, want %d", len(frame), s.frameBytes)
	}

	rms := RMS(frame)

	// Calibration: learn the noise floor as an incremental running mean.
	if s.calibSeen < s.calibFrames {
		s.calibSeen++
		s.noiseFloor += (rms - s.noiseFloor) / float64(s.calibSeen)
		return vad.Decision{RMS: rms, Calibrating: true}, nil
	}

	speechThr := clamp(s.noiseFloor*s.speechMult, minSpeechThreshold, maxSpeechThreshold)
	nearThr := clamp(s.noiseFloor*s.nearMult, minNearFieldThreshold, maxNearFieldThreshold)

	isSpeech := rms >= speechThr
	isNear := rms >= nearThr
	qualifies := isSpeech && isNear

	if qualifies {
		s.speechRunLen++
		s.silenceRunLen = 0
		if !s.gateOpen && s.speechRunLen >= s.openAfter {
			s.gateOpen = true
		}
	} else {
		s.silenceRunLen++
		s.speechRunLen = 0
		if s.gateOpen && s.silenceRunLen >= s.closeAfter {
			s.gateOpen = false
		}
	}

	return vad.Decision{
		IsSpeech:    isSpeech,
		IsNearField: isNear,
		GateOpen:    s.gateOpen,
		RMS:         rms,
	}, nil
}

// GateOpen implements vad.SessionHandle.
func (s *session) GateOpen() bool { return s.gateOpen }

// Reset implements vad.SessionHandle. The session re-enters calibration.
func (s *session) Reset() {
	s.noiseFloor = 0
	s.calibSeen = 0
	s.speechRunLen = 0
	s.silenceRunLen = 0
	s.gateOpen = false
}

// Close implements vad.SessionHandle.
func (s *session) Close() error {
	s.closed = true
	return nil
}

// RMS computes the root-mean-square energy of a 16-bit little-endian PCM
// buffer, in int16 sample units.
func RMS(pcm []byte) float64 {
	n := len(pcm) / audio.BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		v := float64(sample)
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
