package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/babelroom/babelroom/internal/config"
)

// minimalYAML carries just the required fields; everything else defaults.
const minimalYAML = `
stt:
  url: wss://stt.example.com/v1/stream
tts:
  name: openai
room:
  id: team-standup
identity:
  name: Alice
  language: en
`

func TestLoadFromReaderAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.FrameMs != 20 {
		t.Errorf("audio = %d Hz / %d ms, want 16000 / 20", cfg.Audio.SampleRate, cfg.Audio.FrameMs)
	}
	if got := cfg.STT.ConnectTimeout.Std(); got != 5*time.Second {
		t.Errorf("connect timeout = %v, want 5s", got)
	}
	if got := cfg.STT.ReconnectInitialBackoff.Std(); got != time.Second {
		t.Errorf("initial backoff = %v, want 1s", got)
	}
	if got := cfg.STT.ReconnectMaxBackoff.Std(); got != 30*time.Second {
		t.Errorf("max backoff = %v, want 30s", got)
	}
	if cfg.STT.ReconnectMaxRetries != 10 {
		t.Errorf("max retries = %d, want 10", cfg.STT.ReconnectMaxRetries)
	}
	if cfg.Room.Store != "memory" {
		t.Errorf("room store = %q, want memory", cfg.Room.Store)
	}
	if got := cfg.Room.Heartbeat.Std(); got != 10*time.Second {
		t.Errorf("heartbeat = %v, want 10s", got)
	}
	if got := cfg.Room.DedupWindow.Std(); got != 5*time.Second {
		t.Errorf("dedup window = %v, want 5s", got)
	}
	if cfg.Room.DedupThreshold != 0.92 {
		t.Errorf("dedup threshold = %v, want 0.92", cfg.Room.DedupThreshold)
	}
}

func TestLoadFromReaderParsesFullConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(`
server:
  log_level: debug
  metrics_addr: ":9090"
audio:
  sample_rate: 48000
  frame_ms: 10
vad:
  calibration_frames: 25
  speech_multiplier: 2.5
  near_field_multiplier: 4.0
  open_after_frames: 3
  close_after_frames: 10
stt:
  url: wss://stt.example.com/v1/stream
  api_key: stt-key
  language: ko
  connect_timeout: 3s
  reconnect_initial_backoff: 500ms
  reconnect_max_backoff: 1m
  reconnect_max_retries: 5
translate:
  name: anyllm
  provider: anthropic
  api_key: llm-key
  model: claude-sonnet
tts:
  name: openai
  api_key: tts-key
  voice: alloy
room:
  id: team-standup
  store: ws
  url: wss://sync.example.com/v1
  api_key: room-key
  heartbeat: 15s
  dedup_window: 8s
  dedup_threshold: 0.9
identity:
  name: Alice
  language: en-US
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.LogLevel != config.LogDebug || cfg.Server.MetricsAddr != ":9090" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Audio.SampleRate != 48000 || cfg.Audio.FrameMs != 10 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if cfg.VAD.SpeechMultiplier != 2.5 || cfg.VAD.CloseAfterFrames != 10 {
		t.Errorf("vad = %+v", cfg.VAD)
	}
	if got := cfg.STT.ConnectTimeout.Std(); got != 3*time.Second {
		t.Errorf("connect timeout = %v, want 3s", got)
	}
	if got := cfg.STT.ReconnectInitialBackoff.Std(); got != 500*time.Millisecond {
		t.Errorf("initial backoff = %v, want 500ms", got)
	}
	if got := cfg.STT.ReconnectMaxBackoff.Std(); got != time.Minute {
		t.Errorf("max backoff = %v, want 1m", got)
	}
	if cfg.Translate.Name != "anyllm" || cfg.Translate.Provider != "anthropic" {
		t.Errorf("translate = %+v", cfg.Translate)
	}
	if cfg.Room.Store != "ws" || cfg.Room.URL != "wss://sync.example.com/v1" {
		t.Errorf("room = %+v", cfg.Room)
	}
	if cfg.Identity.Language != "en-US" {
		t.Errorf("identity = %+v", cfg.Identity)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + `
transcription:
  url: wss://typo.example.com
`))
	if err == nil {
		t.Fatal("unknown top-level key accepted")
	}
}

func TestLoadFromReaderRejectsBadDuration(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + `
audio:
  sample_rate: 16000
`))
	if err != nil {
		t.Fatalf("baseline config rejected: %v", err)
	}

	_, err = config.LoadFromReader(strings.NewReader(`
stt:
  url: wss://stt.example.com/v1/stream
  connect_timeout: five seconds
tts:
  name: openai
room:
  id: r
identity:
  name: Alice
  language: en
`))
	if err == nil {
		t.Fatal("unparseable duration accepted")
	}
}

func TestValidateCollectsAllFailures(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(`
server:
  log_level: loud
translate:
  name: stream
room:
  dedup_threshold: 1.5
identity:
  name: Alice
`))
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	// The error is joined; every failure must be present at once.
	for _, want := range []string{
		"server.log_level",
		"stt.url is required",
		"translate.url is required",
		"tts.name is required",
		"room.id is required",
		"room.dedup_threshold",
		"identity.language is required",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %q:\n%v", want, err)
		}
	}
}

func TestValidateAnyLLMRequiresProvider(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + `
translate:
  name: anyllm
`))
	if err == nil || !strings.Contains(err.Error(), "translate.provider is required") {
		t.Fatalf("err = %v, want missing-provider failure", err)
	}
}

func TestValidateWSStoreRequiresURL(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(`
stt:
  url: wss://stt.example.com/v1/stream
tts:
  name: openai
room:
  id: team-standup
  store: ws
identity:
  name: Alice
  language: en
`))
	if err == nil || !strings.Contains(err.Error(), "room.url is required") {
		t.Fatalf("err = %v, want missing-url failure", err)
	}
}

func TestValidateNearFieldBelowSpeechRejected(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + `
vad:
  speech_multiplier: 4.0
  near_field_multiplier: 2.0
`))
	if err == nil || !strings.Contains(err.Error(), "near_field_multiplier") {
		t.Fatalf("err = %v, want multiplier-ordering failure", err)
	}
}

func TestLoadReadsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Room.ID != "team-standup" {
		t.Errorf("room id = %q, want team-standup", cfg.Room.ID)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load succeeded on a missing file")
	}
}
