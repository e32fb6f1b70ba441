// Package pipeline turns a finalized transcript into translated speech on the
// local playback queue.
//
// The pipeline is the translate-then-speak stage: duplicate suppression first,
// then either an identity short-circuit (source and target language match, no
// network call), a combined streaming translate+synthesize session, or a
// request/response translation followed by streaming TTS. Audio is forwarded
// to the playback queue chunk by chunk as it arrives; translated text is
// surfaced incrementally through a hook and finalized exactly once.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/babelroom/babelroom/internal/dedup"
	"github.com/babelroom/babelroom/internal/observe"
	"github.com/babelroom/babelroom/internal/playback"
	"github.com/babelroom/babelroom/pkg/audio"
	"github.com/babelroom/babelroom/pkg/provider/translate"
	"github.com/babelroom/babelroom/pkg/provider/tts"
)

// ErrNoTranslator is returned when a cross-language utterance arrives and the
// pipeline was built without a translation backend.
var ErrNoTranslator = errors.New("pipeline: no translation backend configured")

// FinalTranscript is one authoritative utterance entering the pipeline, from
// either the local transcriber or a remote room participant.
type FinalTranscript struct {
	// UtteranceID is the room message id when the transcript came from the
	// room. Empty for purely local segments.
	UtteranceID string

	// SpeakerID and SpeakerName identify who spoke.
	SpeakerID   string
	SpeakerName string

	// Text is the transcript in the speaker's language.
	Text string

	// SourceLang is the BCP-47 tag the text was spoken in.
	SourceLang string
}

// Hooks are per-utterance callbacks. Any field may be nil.
type Hooks struct {
	// OnPlaybackStart fires just before the first audio byte of the utterance
	// renders. Used to publish "playing" status.
	OnPlaybackStart func()

	// OnPlaybackDone fires after the last audio byte has rendered. Used to
	// publish "played" status.
	OnPlaybackDone func()

	// OnTranslatedText receives the accumulated translated text. Called with
	// final=false for incremental updates and exactly once with final=true.
	OnTranslatedText func(text string, final bool)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTranslator sets the request/response translation backend.
func WithTranslator(t translate.Translator) Option {
	return func(p *Pipeline) { p.translator = t }
}

// WithStreamProvider sets the combined translate+synthesize backend. When both
// a stream provider and a translator are configured, the stream provider wins.
func WithStreamProvider(sp translate.StreamProvider, chunkFormat audio.Format) Option {
	return func(p *Pipeline) {
		p.streamProv = sp
		p.streamFormat = chunkFormat
	}
}

// WithSuppressor sets the duplicate suppressor consulted before translation.
func WithSuppressor(s *dedup.Suppressor) Option {
	return func(p *Pipeline) { p.suppress = s }
}

// WithVoice sets the synthesis voice.
func WithVoice(v tts.Voice) Option {
	return func(p *Pipeline) { p.voice = v }
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// Pipeline translates utterances into the listener's language and enqueues the
// synthesized audio. Safe for concurrent use; concurrent utterances serialize
// at the playback queue, not here.
type Pipeline struct {
	targetLang string
	voice      tts.Voice

	translator   translate.Translator
	streamProv   translate.StreamProvider
	streamFormat audio.Format
	tts          tts.Provider
	queue        *playback.Queue
	suppress     *dedup.Suppressor
	metrics      *observe.Metrics
	log          *slog.Logger
}

// New creates a Pipeline rendering into targetLang. The TTS provider serves
// both the identity path and the request/response translation path.
func New(targetLang string, ttsProv tts.Provider, queue *playback.Queue, opts ...Option) *Pipeline {
	p := &Pipeline{
		targetLang: targetLang,
		tts:        ttsProv,
		queue:      queue,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// HandleFinalTranscript runs one utterance through suppression, translation
// and synthesis. It returns once all audio for the utterance has been
// enqueued; rendering continues on the playback worker.
func (p *Pipeline) HandleFinalTranscript(ctx context.Context, ft FinalTranscript, hooks Hooks) error {
	text := strings.TrimSpace(ft.Text)
	if text == "" {
		return nil
	}

	if p.suppress != nil && p.suppress.IsDuplicate(dedup.Candidate{SpeakerID: ft.SpeakerID, Text: text}) {
		p.log.Debug("suppressed duplicate utterance",
			"speaker", ft.SpeakerID, "utterance_id", ft.UtteranceID)
		p.metrics.RecordDuplicateSuppressed(ctx, "pipeline")
		return nil
	}

	if sameLanguage(ft.SourceLang, p.targetLang) {
		// Identity translation: never call a translation backend for it.
		finalizeText(hooks, text)
		return p.speak(ctx, text, ft.UtteranceID, hooks)
	}

	switch {
	case p.streamProv != nil:
		return p.handleStreamed(ctx, ft, text, hooks)
	case p.translator != nil:
		return p.handleRequestResponse(ctx, ft, text, hooks)
	default:
		return ErrNoTranslator
	}
}

// handleStreamed runs the utterance through a combined translate+synthesize
// session. One session per utterance; chunks are matched to the request by
// correlation id, never by arrival order.
func (p *Pipeline) handleStreamed(ctx context.Context, ft FinalTranscript, text string, hooks Hooks) error {
	sess, err := p.streamProv.OpenSession(ctx, ft.SourceLang, p.targetLang, p.voice.ID)
	if err != nil {
		p.metrics.RecordProviderError(ctx, "stream", "translate")
		return fmt.Errorf("pipeline: open stream session: %w", err)
	}
	defer sess.Close()

	req := translate.Request{
		RequestID:  uuid.NewString(),
		Text:       text,
		SourceLang: ft.SourceLang,
		TargetLang: p.targetLang,
	}
	start := time.Now()
	if err := sess.Send(ctx, req); err != nil {
		p.metrics.RecordProviderError(ctx, "stream", "translate")
		return fmt.Errorf("pipeline: send translation request: %w", err)
	}

	var accum strings.Builder
	started := false
	finalized := false
	firstAudio := true

	for chunk := range sess.Chunks() {
		if chunk.RequestID != req.RequestID {
			continue
		}
		if chunk.TextDelta != "" {
			accum.WriteString(chunk.TextDelta)
			if !chunk.Final && hooks.OnTranslatedText != nil {
				hooks.OnTranslatedText(accum.String(), false)
			}
		}
		if len(chunk.Audio) > 0 {
			if firstAudio {
				p.metrics.TTSFirstChunk.Record(ctx, time.Since(start).Seconds())
				firstAudio = false
			}
			p.enqueueChunk(chunk.Audio, p.streamFormat, ft.UtteranceID, &started, hooks)
		}
		if chunk.Final {
			p.metrics.TranslateDuration.Record(ctx, time.Since(start).Seconds())
			finalizeText(hooks, accum.String())
			finalized = true
			break
		}
	}

	p.enqueueDone(ft.UtteranceID, started, hooks)

	if !finalized {
		if err := sess.Err(); err != nil {
			p.metrics.RecordProviderError(ctx, "stream", "translate")
			return fmt.Errorf("pipeline: stream session: %w", err)
		}
		return fmt.Errorf("pipeline: stream session ended before final chunk for request %s", req.RequestID)
	}
	return nil
}

// handleRequestResponse translates in one call, then synthesizes the result.
func (p *Pipeline) handleRequestResponse(ctx context.Context, ft FinalTranscript, text string, hooks Hooks) error {
	req := translate.Request{
		RequestID:  uuid.NewString(),
		Text:       text,
		SourceLang: ft.SourceLang,
		TargetLang: p.targetLang,
	}
	start := time.Now()
	res, err := p.translator.Translate(ctx, req)
	if err != nil {
		p.metrics.RecordProviderError(ctx, "translator", "translate")
		return fmt.Errorf("pipeline: translate: %w", err)
	}
	p.metrics.TranslateDuration.Record(ctx, time.Since(start).Seconds())

	finalizeText(hooks, res.Text)
	return p.speak(ctx, res.Text, ft.UtteranceID, hooks)
}

// speak synthesizes text in the listener's voice and enqueues the audio as it
// streams in.
func (p *Pipeline) speak(ctx context.Context, text, utteranceID string, hooks Hooks) error {
	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	start := time.Now()
	audioCh, err := p.tts.SynthesizeStream(ctx, textCh, p.voice)
	if err != nil {
		p.metrics.RecordProviderError(ctx, "tts", "synthesize")
		return fmt.Errorf("pipeline: synthesize: %w", err)
	}

	format := audio.Format{SampleRate: p.tts.SampleRate(), Channels: 1}
	started := false
	first := true
	for chunk := range audioCh {
		if len(chunk) == 0 {
			continue
		}
		if first {
			p.metrics.TTSFirstChunk.Record(ctx, time.Since(start).Seconds())
			first = false
		}
		p.enqueueChunk(chunk, format, utteranceID, &started, hooks)
	}
	p.enqueueDone(utteranceID, started, hooks)
	return ctx.Err()
}

// enqueueChunk forwards one audio chunk to the playback queue, attaching the
// start hook to the utterance's first chunk.
func (p *Pipeline) enqueueChunk(chunk []byte, format audio.Format, utteranceID string, started *bool, hooks Hooks) {
	item := playback.Item{
		Data:              chunk,
		Format:            format,
		SourceUtteranceID: utteranceID,
	}
	if !*started {
		item.OnStart = hooks.OnPlaybackStart
		*started = true
	}
	p.queue.Enqueue(item)
}

// enqueueDone enqueues the utterance's completion marker. When no audio was
// produced at all, the marker fires both hooks so status still transitions.
func (p *Pipeline) enqueueDone(utteranceID string, started bool, hooks Hooks) {
	item := playback.Item{
		SourceUtteranceID: utteranceID,
		OnDone:            hooks.OnPlaybackDone,
	}
	if !started {
		item.OnStart = hooks.OnPlaybackStart
	}
	p.queue.Enqueue(item)
}

// finalizeText delivers the final translated text exactly once.
func finalizeText(hooks Hooks, text string) {
	if hooks.OnTranslatedText != nil {
		hooks.OnTranslatedText(text, true)
	}
}

// sameLanguage compares BCP-47 tags by their primary subtag, so "en-US" and
// "en" count as the same listening language.
func sameLanguage(a, b string) bool {
	return primarySubtag(a) == primarySubtag(b)
}

func primarySubtag(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexByte(tag, '-'); i >= 0 {
		tag = tag[:i]
	}
	return tag
}
