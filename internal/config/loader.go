package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidBackendNames lists known backend names per stage. Used by [Validate]
// to warn about unrecognised names without rejecting third-party ones.
var ValidBackendNames = map[string][]string{
	"translate":          {"openai", "anyllm", "stream"},
	"translate.provider": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq"},
	"tts":                {"openai"},
	"room.store":         {"memory", "ws"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in defaults for everything the file may omit. VAD zero
// values are left alone; the gate engine applies its own defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.FrameMs == 0 {
		cfg.Audio.FrameMs = 20
	}
	if cfg.STT.ConnectTimeout == 0 {
		cfg.STT.ConnectTimeout = Duration(5 * time.Second)
	}
	if cfg.STT.ReconnectInitialBackoff == 0 {
		cfg.STT.ReconnectInitialBackoff = Duration(time.Second)
	}
	if cfg.STT.ReconnectMaxBackoff == 0 {
		cfg.STT.ReconnectMaxBackoff = Duration(30 * time.Second)
	}
	if cfg.STT.ReconnectMaxRetries == 0 {
		cfg.STT.ReconnectMaxRetries = 10
	}
	if cfg.Room.Store == "" {
		cfg.Room.Store = "memory"
	}
	if cfg.Room.Heartbeat == 0 {
		cfg.Room.Heartbeat = Duration(10 * time.Second)
	}
	if cfg.Room.DedupWindow == 0 {
		cfg.Room.DedupWindow = Duration(5 * time.Second)
	}
	if cfg.Room.DedupThreshold == 0 {
		cfg.Room.DedupThreshold = 0.92
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameMs <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d must be positive", cfg.Audio.FrameMs))
	}

	if cfg.VAD.SpeechMultiplier < 0 || cfg.VAD.NearFieldMultiplier < 0 {
		errs = append(errs, errors.New("vad multipliers must not be negative"))
	}
	if cfg.VAD.SpeechMultiplier > 0 && cfg.VAD.NearFieldMultiplier > 0 &&
		cfg.VAD.NearFieldMultiplier < cfg.VAD.SpeechMultiplier {
		errs = append(errs, fmt.Errorf("vad.near_field_multiplier %.2f must not be below vad.speech_multiplier %.2f",
			cfg.VAD.NearFieldMultiplier, cfg.VAD.SpeechMultiplier))
	}

	if cfg.STT.URL == "" {
		errs = append(errs, errors.New("stt.url is required"))
	}

	validateBackendName("translate", cfg.Translate.Name)
	switch cfg.Translate.Name {
	case "":
		slog.Warn("translate.name is empty; cross-language utterances will fail")
	case "anyllm":
		validateBackendName("translate.provider", cfg.Translate.Provider)
		if cfg.Translate.Provider == "" {
			errs = append(errs, errors.New("translate.provider is required when translate.name is anyllm"))
		}
	case "stream":
		if cfg.Translate.URL == "" {
			errs = append(errs, errors.New("translate.url is required when translate.name is stream"))
		}
	}

	validateBackendName("tts", cfg.TTS.Name)
	if cfg.TTS.Name == "" {
		// Even with a combined translate+synthesize backend, same-language
		// playback still needs plain synthesis.
		errs = append(errs, errors.New("tts.name is required"))
	}

	if cfg.Room.ID == "" {
		errs = append(errs, errors.New("room.id is required"))
	}
	validateBackendName("room.store", cfg.Room.Store)
	if cfg.Room.Store == "ws" && cfg.Room.URL == "" {
		errs = append(errs, errors.New("room.url is required when room.store is ws"))
	}
	if cfg.Room.DedupThreshold < 0 || cfg.Room.DedupThreshold > 1 {
		errs = append(errs, fmt.Errorf("room.dedup_threshold %.2f is out of range (0, 1]", cfg.Room.DedupThreshold))
	}

	if cfg.Identity.Name == "" {
		errs = append(errs, errors.New("identity.name is required"))
	}
	if cfg.Identity.Language == "" {
		errs = append(errs, errors.New("identity.language is required"))
	}

	return errors.Join(errs...)
}

// validateBackendName logs a warning if name is non-empty and not found in
// the [ValidBackendNames] list for the given kind.
func validateBackendName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidBackendNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name, may be a typo or a third-party backend",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
