// Package app wires the capture loop, transcription session, room
// synchronizer, pipeline and playback queue into one runnable unit.
//
// The concurrency layout is a small fixed set of long-lived goroutines: one
// capture loop (source to gate to transcriber), one finals loop (transcriber
// to room publish plus local echo), one partials drain, one error drain.
// Everything else (the playback worker, the room watch loops, the session
// reconnect loop) is owned by the respective component. Cross-goroutine
// communication is channels only; the gate state is owned exclusively by the
// capture loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/babelroom/babelroom/internal/observe"
	"github.com/babelroom/babelroom/internal/pipeline"
	"github.com/babelroom/babelroom/internal/playback"
	"github.com/babelroom/babelroom/internal/room"
	"github.com/babelroom/babelroom/internal/session"
	"github.com/babelroom/babelroom/pkg/audio"
	"github.com/babelroom/babelroom/pkg/provider/stt"
	"github.com/babelroom/babelroom/pkg/provider/vad"
)

// leaveTimeout bounds the graceful room leave during teardown.
const leaveTimeout = 5 * time.Second

// Options collects the already-constructed components the App runs.
type Options struct {
	// Source yields capture frames.
	Source audio.Source

	// Gate is the voice activity session. Owned by the capture loop; no other
	// goroutine may touch it while Run is active.
	Gate vad.SessionHandle

	// Transcriber is the streaming transcription session manager.
	Transcriber *session.Transcriber

	// Room is the room synchronizer.
	Room *room.Synchronizer

	// Pipeline renders local-echo audio for the speaker's own utterances.
	Pipeline *pipeline.Pipeline

	// Queue is the playback queue, closed (releasing the audio route) during
	// teardown.
	Queue *playback.Queue

	// Identity is the local participant.
	Identity room.Identity

	// OnPartial, when non-nil, receives interim transcripts for UI feedback.
	// Called from the partials goroutine; must not block.
	OnPartial func(stt.Transcript)

	// Metrics defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// App is the assembled babelroom client.
type App struct {
	opts Options

	metrics *observe.Metrics
	log     *slog.Logger

	// lastVoice is the unix-nano time of the most recent forwarded frame,
	// written by the capture loop and read by the finals loop. It approximates
	// the utterance end for the transcription latency histogram.
	lastVoice atomic.Int64
}

// New validates opts and returns an App ready to Run.
func New(opts Options) (*App, error) {
	var missing []error
	if opts.Source == nil {
		missing = append(missing, errors.New("app: Source is required"))
	}
	if opts.Gate == nil {
		missing = append(missing, errors.New("app: Gate is required"))
	}
	if opts.Transcriber == nil {
		missing = append(missing, errors.New("app: Transcriber is required"))
	}
	if opts.Room == nil {
		missing = append(missing, errors.New("app: Room is required"))
	}
	if opts.Pipeline == nil {
		missing = append(missing, errors.New("app: Pipeline is required"))
	}
	if opts.Queue == nil {
		missing = append(missing, errors.New("app: Queue is required"))
	}
	if err := errors.Join(missing...); err != nil {
		return nil, err
	}
	a := &App{
		opts:    opts,
		metrics: opts.Metrics,
		log:     opts.Logger,
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	return a, nil
}

// Run joins the room, starts the transcription session, and processes audio
// until ctx is cancelled or the capture source ends. On return the capture
// device, the session, the room presence and the audio route have all been
// released, in that order.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.opts.Room.Join(ctx); err != nil {
		return fmt.Errorf("app: join room: %w", err)
	}
	if err := a.opts.Transcriber.Start(ctx); err != nil {
		leaveCtx, leaveCancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
		defer leaveCancel()
		_ = a.opts.Room.Leave(leaveCtx)
		return fmt.Errorf("app: start transcriber: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The capture source ending is a normal shutdown trigger, not an
		// errgroup failure; cancel the run explicitly.
		defer cancel()
		return a.captureLoop(gctx)
	})
	g.Go(func() error { return a.finalsLoop(gctx) })
	g.Go(func() error { a.drainPartials(gctx); return nil })
	g.Go(func() error { a.drainErrors(gctx); return nil })
	// Unblock the capture loop's channel read when shutdown starts.
	g.Go(func() error {
		<-gctx.Done()
		return a.opts.Source.Close()
	})

	err := g.Wait()

	// Teardown order matters: stop feeding audio, close the session, leave
	// the room, then release the audio route.
	a.opts.Transcriber.Stop()
	<-a.opts.Transcriber.Done()

	leaveCtx, leaveCancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
	defer leaveCancel()
	if lerr := a.opts.Room.Leave(leaveCtx); lerr != nil {
		a.log.Warn("room leave failed during shutdown", "error", lerr)
	}

	if cerr := a.opts.Queue.Close(); cerr != nil {
		a.log.Warn("playback queue close failed", "error", cerr)
	}
	_ = a.opts.Gate.Close()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// captureLoop owns the gate: classify every frame, forward it only while the
// gate is open. This is the single call site of the forward invariant.
func (a *App) captureLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-a.opts.Source.Frames():
			if !ok {
				a.log.Info("capture source ended")
				return nil
			}
			decision, err := a.opts.Gate.ProcessFrame(frame.Data)
			if err != nil {
				a.log.Warn("gate rejected frame", "bytes", len(frame.Data), "error", err)
				continue
			}
			a.metrics.RecordFrameGated(ctx, decision.GateOpen)
			if decision.GateOpen {
				a.lastVoice.Store(time.Now().UnixNano())
				a.opts.Transcriber.SendAudio(frame.Data)
			}
		}
	}
}

// finalsLoop publishes each final transcript to the room and echoes it into
// the local pipeline. The loop failing means the transcription session is
// terminally gone, which ends the whole app.
func (a *App) finalsLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-a.opts.Transcriber.Finals():
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("app: transcription session terminated")
			}
			a.handleFinal(ctx, f)
		}
	}
}

// handleFinal fans one authoritative transcript out to the room and the local
// playback path.
func (a *App) handleFinal(ctx context.Context, f stt.Transcript) {
	sourceLang := f.DetectedLanguage
	if sourceLang == "" {
		sourceLang = a.opts.Identity.Language
	}

	if at := a.lastVoice.Load(); at != 0 {
		a.metrics.STTDuration.Record(ctx, time.Since(time.Unix(0, at)).Seconds())
	}

	id, err := a.opts.Room.Publish(ctx, f.Text, sourceLang)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		a.log.Error("publish utterance failed", "error", err)
	}

	// Local echo: the speaker hears their own utterance through the same
	// pipeline path as everyone else. Identity translation applies, so no
	// translation backend is hit.
	echo := pipeline.FinalTranscript{
		UtteranceID: id,
		SpeakerID:   a.opts.Identity.ParticipantID,
		SpeakerName: a.opts.Identity.Name,
		Text:        f.Text,
		SourceLang:  sourceLang,
	}
	if perr := a.opts.Pipeline.HandleFinalTranscript(ctx, echo, pipeline.Hooks{}); perr != nil && ctx.Err() == nil {
		a.log.Error("local echo failed", "error", perr)
	}
}

func (a *App) drainPartials(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-a.opts.Transcriber.Partials():
			if !ok {
				return
			}
			if a.opts.OnPartial != nil {
				a.opts.OnPartial(p)
			}
		}
	}
}

func (a *App) drainErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-a.opts.Transcriber.Errors():
			if !ok {
				return
			}
			a.log.Warn("transcription session error", "error", err)
			a.metrics.RecordProviderError(ctx, "stt", "session")
		}
	}
}
