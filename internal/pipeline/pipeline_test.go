package pipeline_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/babelroom/babelroom/internal/dedup"
	"github.com/babelroom/babelroom/internal/pipeline"
	"github.com/babelroom/babelroom/internal/playback"
	"github.com/babelroom/babelroom/pkg/audio"
	audiomock "github.com/babelroom/babelroom/pkg/audio/mock"
	translatemock "github.com/babelroom/babelroom/pkg/provider/translate/mock"
	ttsmock "github.com/babelroom/babelroom/pkg/provider/tts/mock"

	"github.com/babelroom/babelroom/pkg/provider/translate"
)

// harness bundles the pipeline with its mocks and a way to wait for playback.
type harness struct {
	sink  *audiomock.Sink
	queue *playback.Queue
	tts   *ttsmock.Provider
}

func newHarness(t *testing.T, opts ...pipeline.Option) (*pipeline.Pipeline, *harness) {
	t.Helper()
	h := &harness{
		sink: &audiomock.Sink{},
		tts:  &ttsmock.Provider{},
	}
	h.queue = playback.New(h.sink)
	t.Cleanup(func() { _ = h.queue.Close() })
	return pipeline.New("en", h.tts, h.queue, opts...), h
}

func (h *harness) waitWrites(t *testing.T, n int) []audiomock.Write {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w := h.sink.Writes(); len(w) >= n {
			return w
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sink writes = %d, want %d", len(h.sink.Writes()), n)
	return nil
}

func transcript(text, lang string) pipeline.FinalTranscript {
	return pipeline.FinalTranscript{
		UtteranceID: "msg-1",
		SpeakerID:   "speaker-1",
		Text:        text,
		SourceLang:  lang,
	}
}

func TestIdentityTranslationSkipsBackend(t *testing.T) {
	t.Parallel()

	translator := &translatemock.Translator{}
	p, h := newHarness(t, pipeline.WithTranslator(translator))

	var finalText string
	hooks := pipeline.Hooks{
		OnTranslatedText: func(text string, final bool) {
			if final {
				finalText = text
			}
		},
	}
	if err := p.HandleFinalTranscript(context.Background(), transcript("hello", "en"), hooks); err != nil {
		t.Fatalf("HandleFinalTranscript: %v", err)
	}

	if calls := translator.Calls(); len(calls) != 0 {
		t.Fatalf("translation backend called %d times for same-language utterance", len(calls))
	}
	if finalText != "hello" {
		t.Fatalf("final text = %q, want original %q", finalText, "hello")
	}
	// The original text is synthesized verbatim.
	writes := h.waitWrites(t, 1)
	if string(writes[0].Data) != "hello" {
		t.Fatalf("synthesized %q, want %q", writes[0].Data, "hello")
	}
}

func TestRequestResponseTranslationPath(t *testing.T) {
	t.Parallel()

	translator := &translatemock.Translator{
		Translations: map[string]string{"안녕하세요": "hello"},
	}
	p, h := newHarness(t, pipeline.WithTranslator(translator))

	var mu sync.Mutex
	var finals []string
	hooks := pipeline.Hooks{
		OnTranslatedText: func(text string, final bool) {
			if final {
				mu.Lock()
				finals = append(finals, text)
				mu.Unlock()
			}
		},
	}
	if err := p.HandleFinalTranscript(context.Background(), transcript("안녕하세요", "ko"), hooks); err != nil {
		t.Fatalf("HandleFinalTranscript: %v", err)
	}

	calls := translator.Calls()
	if len(calls) != 1 {
		t.Fatalf("translator calls = %d, want 1", len(calls))
	}
	if calls[0].SourceLang != "ko" || calls[0].TargetLang != "en" {
		t.Fatalf("translated %s->%s, want ko->en", calls[0].SourceLang, calls[0].TargetLang)
	}
	if calls[0].RequestID == "" {
		t.Fatal("request sent without a correlation id")
	}

	mu.Lock()
	if len(finals) != 1 || finals[0] != "hello" {
		t.Fatalf("final texts = %v, want exactly one %q", finals, "hello")
	}
	mu.Unlock()

	writes := h.waitWrites(t, 1)
	if string(writes[0].Data) != "hello" {
		t.Fatalf("synthesized %q, want %q", writes[0].Data, "hello")
	}
}

func TestStreamedPathForwardsAudioAndAccumulatesText(t *testing.T) {
	t.Parallel()

	sp := &translatemock.StreamProvider{
		ChunksPerRequest: []translate.Chunk{
			{TextDelta: "hel"},
			{Audio: []byte("pcm-1")},
			{TextDelta: "lo"},
			{Audio: []byte("pcm-2")},
			{Final: true},
		},
	}
	p, h := newHarness(t, pipeline.WithStreamProvider(sp, audio.Format{SampleRate: 24000, Channels: 1}))

	var mu sync.Mutex
	var updates []string
	var finals []string
	hooks := pipeline.Hooks{
		OnTranslatedText: func(text string, final bool) {
			mu.Lock()
			defer mu.Unlock()
			if final {
				finals = append(finals, text)
			} else {
				updates = append(updates, text)
			}
		},
	}
	if err := p.HandleFinalTranscript(context.Background(), transcript("안녕", "ko"), hooks); err != nil {
		t.Fatalf("HandleFinalTranscript: %v", err)
	}

	sessions := sp.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	sends := sessions[0].Sends()
	if len(sends) != 1 || sends[0].RequestID == "" {
		t.Fatalf("sends = %+v, want one request with a correlation id", sends)
	}

	mu.Lock()
	if len(finals) != 1 || finals[0] != "hello" {
		t.Fatalf("final texts = %v, want exactly one %q", finals, "hello")
	}
	if len(updates) == 0 || updates[len(updates)-1] != "hello" {
		t.Fatalf("incremental updates = %v, want them to build up to %q", updates, "hello")
	}
	mu.Unlock()

	writes := h.waitWrites(t, 2)
	if string(writes[0].Data) != "pcm-1" || string(writes[1].Data) != "pcm-2" {
		t.Fatalf("audio order = [%q %q], want [pcm-1 pcm-2]", writes[0].Data, writes[1].Data)
	}

	// TTS must not be involved on the streamed path.
	if calls := h.tts.Calls(); len(calls) != 0 {
		t.Fatalf("tts called %d times on streamed path", len(calls))
	}
}

func TestDuplicateSuppression(t *testing.T) {
	t.Parallel()

	translator := &translatemock.Translator{}
	p, _ := newHarness(t,
		pipeline.WithTranslator(translator),
		pipeline.WithSuppressor(dedup.New()),
	)

	ft := transcript("same utterance twice", "ko")
	if err := p.HandleFinalTranscript(context.Background(), ft, pipeline.Hooks{}); err != nil {
		t.Fatalf("first HandleFinalTranscript: %v", err)
	}
	// Suppression is a no-op outcome, not an error.
	if err := p.HandleFinalTranscript(context.Background(), ft, pipeline.Hooks{}); err != nil {
		t.Fatalf("second HandleFinalTranscript: %v", err)
	}
	if calls := translator.Calls(); len(calls) != 1 {
		t.Fatalf("translator calls = %d, want 1 (duplicate must be suppressed)", len(calls))
	}
}

func TestPlaybackHooksBracketAudio(t *testing.T) {
	t.Parallel()

	translator := &translatemock.Translator{}
	p, _ := newHarness(t, pipeline.WithTranslator(translator))

	var mu sync.Mutex
	var events []string
	done := make(chan struct{})
	hooks := pipeline.Hooks{
		OnPlaybackStart: func() {
			mu.Lock()
			events = append(events, "playing")
			mu.Unlock()
		},
		OnPlaybackDone: func() {
			mu.Lock()
			events = append(events, "played")
			mu.Unlock()
			close(done)
		},
	}
	if err := p.HandleFinalTranscript(context.Background(), transcript("text", "ko"), hooks); err != nil {
		t.Fatalf("HandleFinalTranscript: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("playback completion hook never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != "playing" || events[1] != "played" {
		t.Fatalf("events = %v, want [playing played]", events)
	}
}

func TestNoBackendConfigured(t *testing.T) {
	t.Parallel()

	p, _ := newHarness(t)
	err := p.HandleFinalTranscript(context.Background(), transcript("text", "ko"), pipeline.Hooks{})
	if err == nil {
		t.Fatal("cross-language utterance succeeded without a translation backend")
	}
}

func TestEmptyTextIsNoOp(t *testing.T) {
	t.Parallel()

	translator := &translatemock.Translator{}
	p, h := newHarness(t, pipeline.WithTranslator(translator))

	if err := p.HandleFinalTranscript(context.Background(), transcript("   ", "ko"), pipeline.Hooks{}); err != nil {
		t.Fatalf("HandleFinalTranscript: %v", err)
	}
	if len(translator.Calls()) != 0 || len(h.tts.Calls()) != 0 {
		t.Fatal("empty transcript reached a backend")
	}
}
