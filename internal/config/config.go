// Package config provides the configuration schema and loader for the
// babelroom client.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration wraps time.Duration with YAML decoding of strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure, typically loaded from a YAML
// file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	VAD       VADConfig       `yaml:"vad"`
	STT       STTConfig       `yaml:"stt"`
	Translate TranslateConfig `yaml:"translate"`
	TTS       TTSConfig       `yaml:"tts"`
	Room      RoomConfig      `yaml:"room"`
	Identity  IdentityConfig  `yaml:"identity"`
}

// ServerConfig holds logging and metrics settings.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address the /metrics endpoint listens on
	// (e.g., ":9090"). Empty disables the metrics server.
	MetricsAddr string `yaml:"metrics_addr"`
}

// AudioConfig describes the capture format.
type AudioConfig struct {
	// SampleRate is the capture sample rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// FrameMs is the capture frame length in milliseconds.
	FrameMs int `yaml:"frame_ms"`
}

// VADConfig tunes the voice activity gate. Zero values select the engine
// defaults.
type VADConfig struct {
	// CalibrationFrames is how many initial frames establish the noise floor.
	CalibrationFrames int `yaml:"calibration_frames"`

	// SpeechMultiplier scales the noise floor into the speech threshold.
	SpeechMultiplier float64 `yaml:"speech_multiplier"`

	// NearFieldMultiplier scales the noise floor into the near-field
	// threshold that rejects distant speakers and playback bleed.
	NearFieldMultiplier float64 `yaml:"near_field_multiplier"`

	// OpenAfterFrames is how many consecutive qualifying frames open the gate.
	OpenAfterFrames int `yaml:"open_after_frames"`

	// CloseAfterFrames is how many consecutive non-qualifying frames close it.
	CloseAfterFrames int `yaml:"close_after_frames"`
}

// STTConfig configures the streaming transcription backend.
type STTConfig struct {
	// URL is the WebSocket endpoint of the STT service.
	URL string `yaml:"url"`

	// APIKey authenticates against the STT service.
	APIKey string `yaml:"api_key"`

	// Language is the BCP-47 tag to transcribe. Empty requests language
	// auto-detection.
	Language string `yaml:"language"`

	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout Duration `yaml:"connect_timeout"`

	// ReconnectInitialBackoff is the delay before the first reconnect attempt.
	ReconnectInitialBackoff Duration `yaml:"reconnect_initial_backoff"`

	// ReconnectMaxBackoff caps the exponential backoff delay.
	ReconnectMaxBackoff Duration `yaml:"reconnect_max_backoff"`

	// ReconnectMaxRetries bounds consecutive failed reconnect attempts.
	ReconnectMaxRetries int `yaml:"reconnect_max_retries"`
}

// TranslateConfig selects and configures the translation backend.
type TranslateConfig struct {
	// Name selects the backend: "openai" (chat-completion translator),
	// "anyllm" (any-llm gateway translator), or "stream" (combined
	// translate+synthesize WebSocket service).
	Name string `yaml:"name"`

	// Provider is the upstream LLM provider when Name is "anyllm"
	// (e.g., "anthropic", "ollama").
	Provider string `yaml:"provider"`

	// APIKey authenticates against the backend.
	APIKey string `yaml:"api_key"`

	// Model overrides the backend's default model.
	Model string `yaml:"model"`

	// BaseURL overrides the backend's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// URL is the WebSocket endpoint when Name is "stream".
	URL string `yaml:"url"`
}

// TTSConfig configures the speech synthesis backend used by the
// request/response translation path and same-language playback.
type TTSConfig struct {
	// Name selects the backend. Currently "openai".
	Name string `yaml:"name"`

	// APIKey authenticates against the backend.
	APIKey string `yaml:"api_key"`

	// Model overrides the backend's default model.
	Model string `yaml:"model"`

	// Voice is the provider-specific voice identifier.
	Voice string `yaml:"voice"`
}

// RoomConfig configures room membership and the synchronized store.
type RoomConfig struct {
	// ID is the room to join.
	ID string `yaml:"id"`

	// Store selects the store implementation: "memory" (in-process, single
	// machine) or "ws" (remote sync service).
	Store string `yaml:"store"`

	// URL is the sync service endpoint when Store is "ws".
	URL string `yaml:"url"`

	// APIKey authenticates against the sync service.
	APIKey string `yaml:"api_key"`

	// Heartbeat is the presence refresh interval.
	Heartbeat Duration `yaml:"heartbeat"`

	// DedupWindow is how long a processed utterance suppresses near-duplicate
	// repeats.
	DedupWindow Duration `yaml:"dedup_window"`

	// DedupThreshold is the similarity score above which two utterances are
	// considered the same. Range (0, 1].
	DedupThreshold float64 `yaml:"dedup_threshold"`
}

// IdentityConfig describes the local participant.
type IdentityConfig struct {
	// Name is the display name shown to other participants.
	Name string `yaml:"name"`

	// Language is the BCP-47 tag this participant speaks and listens in.
	Language string `yaml:"language"`
}
