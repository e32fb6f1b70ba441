// Command babelroom is a real-time speech translation client: it captures PCM
// audio on stdin, transcribes and translates it, fans utterances out to a
// shared room, and renders every participant's speech in the local language on
// stdout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/babelroom/babelroom/internal/app"
	"github.com/babelroom/babelroom/internal/config"
	"github.com/babelroom/babelroom/internal/dedup"
	"github.com/babelroom/babelroom/internal/observe"
	"github.com/babelroom/babelroom/internal/pipeline"
	"github.com/babelroom/babelroom/internal/playback"
	"github.com/babelroom/babelroom/internal/room"
	"github.com/babelroom/babelroom/internal/session"
	"github.com/babelroom/babelroom/pkg/audio"
	"github.com/babelroom/babelroom/pkg/audio/stdio"
	"github.com/babelroom/babelroom/pkg/provider/stt"
	"github.com/babelroom/babelroom/pkg/provider/stt/wsstt"
	"github.com/babelroom/babelroom/pkg/provider/translate/anyllm"
	oatranslate "github.com/babelroom/babelroom/pkg/provider/translate/openai"
	"github.com/babelroom/babelroom/pkg/provider/translate/stream"
	"github.com/babelroom/babelroom/pkg/provider/tts"
	oatts "github.com/babelroom/babelroom/pkg/provider/tts/openai"
	"github.com/babelroom/babelroom/pkg/provider/vad"
	"github.com/babelroom/babelroom/pkg/provider/vad/energy"
	"github.com/babelroom/babelroom/pkg/roomstore"
	"github.com/babelroom/babelroom/pkg/roomstore/memory"
	roomws "github.com/babelroom/babelroom/pkg/roomstore/ws"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "babelroom: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "babelroom: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("babelroom starting",
		"config", *configPath,
		"room", cfg.Room.ID,
		"language", cfg.Identity.Language,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "babelroom"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	if cfg.Server.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.Server.MetricsAddr)
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	gate, err := buildGate(cfg)
	if err != nil {
		slog.Error("failed to build voice gate", "err", err)
		return 1
	}

	sttProvider, err := wsstt.New(cfg.STT.URL, cfg.STT.APIKey,
		wsstt.WithDialTimeout(cfg.STT.ConnectTimeout.Std()))
	if err != nil {
		slog.Error("failed to build stt provider", "err", err)
		return 1
	}
	transcriber := session.New(sttProvider, stt.StreamConfig{
		SampleRate:        cfg.Audio.SampleRate,
		Channels:          1,
		Language:          cfg.STT.Language,
		EndpointDetection: true,
	},
		session.WithConnectTimeout(cfg.STT.ConnectTimeout.Std()),
		session.WithBackoff(
			cfg.STT.ReconnectInitialBackoff.Std(),
			cfg.STT.ReconnectMaxBackoff.Std(),
			cfg.STT.ReconnectMaxRetries,
		),
	)

	ttsProvider, err := buildTTS(cfg)
	if err != nil {
		slog.Error("failed to build tts provider", "err", err)
		return 1
	}

	// ── Playback ──────────────────────────────────────────────────────────────
	sink := stdio.NewSink(os.Stdout)
	queue := playback.New(sink,
		playback.WithPacing(),
		playback.WithDepthFunc(func(delta int) {
			metrics.PlaybackQueueDepth.Add(context.Background(), int64(delta))
		}),
	)

	// ── Pipeline ──────────────────────────────────────────────────────────────
	// Two suppressor instances on purpose: the room one records incoming text,
	// the pipeline one records what actually got processed. Sharing one would
	// suppress everything twice over.
	pipeSuppressor := dedup.New(
		dedup.WithWindow(cfg.Room.DedupWindow.Std()),
		dedup.WithSimilarityThreshold(cfg.Room.DedupThreshold),
	)
	roomSuppressor := dedup.New(
		dedup.WithWindow(cfg.Room.DedupWindow.Std()),
		dedup.WithSimilarityThreshold(cfg.Room.DedupThreshold),
	)

	pipeOpts := []pipeline.Option{
		pipeline.WithSuppressor(pipeSuppressor),
		pipeline.WithVoice(tts.Voice{ID: cfg.TTS.Voice, Language: cfg.Identity.Language}),
	}
	pipeOpts, err = appendTranslateBackend(pipeOpts, cfg)
	if err != nil {
		slog.Error("failed to build translate backend", "err", err)
		return 1
	}
	pipe := pipeline.New(cfg.Identity.Language, ttsProvider, queue, pipeOpts...)

	// ── Room ──────────────────────────────────────────────────────────────────
	store, storeClose, err := buildStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to connect room store", "err", err)
		return 1
	}
	defer storeClose()

	identity := room.Identity{
		ParticipantID: uuid.NewString(),
		Name:          cfg.Identity.Name,
		Language:      cfg.Identity.Language,
	}
	roomSync := room.New(store, cfg.Room.ID, identity, pipe,
		room.WithHeartbeatInterval(cfg.Room.Heartbeat.Std()),
		room.WithSuppressor(roomSuppressor),
	)

	// ── Capture ───────────────────────────────────────────────────────────────
	source := stdio.NewSource(os.Stdin, audio.Format{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   1,
	}, cfg.Audio.FrameMs)

	// ── Run ───────────────────────────────────────────────────────────────────
	application, err := app.New(app.Options{
		Source:      source,
		Gate:        gate,
		Transcriber: transcriber,
		Room:        roomSync,
		Pipeline:    pipe,
		Queue:       queue,
		Identity:    identity,
	})
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("ready, press Ctrl+C to leave the room")
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

func buildGate(cfg *config.Config) (vad.SessionHandle, error) {
	return energy.New().NewSession(vad.Config{
		SampleRate:               cfg.Audio.SampleRate,
		FrameSizeMs:              cfg.Audio.FrameMs,
		CalibrationFrames:        cfg.VAD.CalibrationFrames,
		SpeechFloorMultiplier:    cfg.VAD.SpeechMultiplier,
		NearFieldFloorMultiplier: cfg.VAD.NearFieldMultiplier,
		OpenAfterFrames:          cfg.VAD.OpenAfterFrames,
		CloseAfterFrames:         cfg.VAD.CloseAfterFrames,
	})
}

func buildTTS(cfg *config.Config) (tts.Provider, error) {
	switch cfg.TTS.Name {
	case "openai":
		var opts []oatts.Option
		if cfg.TTS.Model != "" {
			opts = append(opts, oatts.WithModel(cfg.TTS.Model))
		}
		return oatts.New(cfg.TTS.APIKey, opts...)
	default:
		return nil, fmt.Errorf("unknown tts backend %q", cfg.TTS.Name)
	}
}

func appendTranslateBackend(opts []pipeline.Option, cfg *config.Config) ([]pipeline.Option, error) {
	switch cfg.Translate.Name {
	case "openai":
		var tOpts []oatranslate.Option
		if cfg.Translate.Model != "" {
			tOpts = append(tOpts, oatranslate.WithModel(cfg.Translate.Model))
		}
		if cfg.Translate.BaseURL != "" {
			tOpts = append(tOpts, oatranslate.WithBaseURL(cfg.Translate.BaseURL))
		}
		t, err := oatranslate.New(cfg.Translate.APIKey, tOpts...)
		if err != nil {
			return nil, err
		}
		return append(opts, pipeline.WithTranslator(t)), nil

	case "anyllm":
		var aOpts []anyllmlib.Option
		if cfg.Translate.APIKey != "" {
			aOpts = append(aOpts, anyllmlib.WithAPIKey(cfg.Translate.APIKey))
		}
		if cfg.Translate.BaseURL != "" {
			aOpts = append(aOpts, anyllmlib.WithBaseURL(cfg.Translate.BaseURL))
		}
		t, err := anyllm.New(cfg.Translate.Provider, cfg.Translate.Model, aOpts...)
		if err != nil {
			return nil, err
		}
		return append(opts, pipeline.WithTranslator(t)), nil

	case "stream":
		sp, err := stream.New(cfg.Translate.URL, cfg.Translate.APIKey)
		if err != nil {
			return nil, err
		}
		return append(opts, pipeline.WithStreamProvider(sp, audio.Format{
			SampleRate: sp.SampleRate(),
			Channels:   1,
		})), nil

	case "":
		// Same-language rooms work without a translation backend.
		return opts, nil

	default:
		return nil, fmt.Errorf("unknown translate backend %q", cfg.Translate.Name)
	}
}

func buildStore(ctx context.Context, cfg *config.Config) (roomstore.Store, func(), error) {
	switch cfg.Room.Store {
	case "memory":
		s := memory.New()
		return s, func() { s.Close() }, nil
	case "ws":
		s, err := roomws.Dial(ctx, cfg.Room.URL, cfg.Room.APIKey)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown room store %q", cfg.Room.Store)
	}
}

// ── Metrics endpoint ──────────────────────────────────────────────────────────

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Warn("metrics endpoint error", "err", err)
	}
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
