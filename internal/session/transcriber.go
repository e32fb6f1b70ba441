// Package session manages the lifecycle of a streaming transcription session.
//
// A Transcriber wraps an stt.Provider and owns at most one live
// stt.SessionHandle at a time. It adds what the raw provider does not give us:
// an explicit state machine (Idle → Connecting → Open → Closed), automatic
// reconnect with bounded exponential backoff when the backend drops the
// connection, suppression of repeated final transcripts, and drop-don't-block
// audio forwarding while the session is not Open.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelroom/babelroom/pkg/provider/stt"
)

const (
	// DefaultConnectTimeout bounds a single StartStream attempt.
	DefaultConnectTimeout = 5 * time.Second

	// DefaultInitialBackoff is the delay before the first reconnect attempt.
	DefaultInitialBackoff = time.Second

	// DefaultMaxBackoff caps the exponential backoff delay.
	DefaultMaxBackoff = 30 * time.Second

	// DefaultMaxRetries is how many consecutive failed connection attempts are
	// made before the Transcriber gives up and closes.
	DefaultMaxRetries = 10
)

// State is the lifecycle state of a Transcriber.
type State int32

const (
	// StateIdle means Start has not been called yet.
	StateIdle State = iota

	// StateConnecting means a StartStream attempt (initial or reconnect) is in
	// flight. Audio sent now is dropped.
	StateConnecting

	// StateOpen means a backend session is live and accepting audio.
	StateOpen

	// StateClosed is terminal: Stop was called, the context ended, or
	// reconnection was exhausted.
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Option configures a Transcriber.
type Option func(*Transcriber)

// WithConnectTimeout overrides the per-attempt connect timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(t *Transcriber) { t.connectTimeout = d }
}

// WithBackoff overrides the reconnect schedule.
func WithBackoff(initial, max time.Duration, maxRetries int) Option {
	return func(t *Transcriber) {
		t.initialBackoff = initial
		t.maxBackoff = max
		t.maxRetries = maxRetries
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transcriber) { t.log = l }
}

// Transcriber drives one logical transcription stream across backend
// reconnects. All exported methods are safe for concurrent use.
//
// Finals, Partials and Errors are closed exactly once, when the Transcriber
// reaches StateClosed.
type Transcriber struct {
	provider  stt.Provider
	streamCfg stt.StreamConfig
	log       *slog.Logger

	connectTimeout time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxRetries     int

	state atomic.Int32

	mu   sync.Mutex
	sess stt.SessionHandle // non-nil only while Open

	partials chan stt.Transcript
	finals   chan stt.Transcript
	errs     chan error

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	dropped atomic.Int64

	// lastFinalText suppresses consecutive identical finals; backends re-send
	// the last committed result around reconnects and end-of-utterance flushes.
	lastFinalText string
}

// New creates a Transcriber for the given provider and stream configuration.
// No connection is made until Start.
func New(provider stt.Provider, cfg stt.StreamConfig, opts ...Option) *Transcriber {
	t := &Transcriber{
		provider:       provider,
		streamCfg:      cfg,
		log:            slog.Default(),
		connectTimeout: DefaultConnectTimeout,
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
		maxRetries:     DefaultMaxRetries,
		partials:       make(chan stt.Transcript, 16),
		finals:         make(chan stt.Transcript, 16),
		errs:           make(chan error, 4),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// State returns the current lifecycle state.
func (t *Transcriber) State() State { return State(t.state.Load()) }

// Partials returns the channel of interim transcripts.
func (t *Transcriber) Partials() <-chan stt.Transcript { return t.partials }

// Finals returns the channel of authoritative transcripts, with consecutive
// duplicates already suppressed.
func (t *Transcriber) Finals() <-chan stt.Transcript { return t.finals }

// Errors returns the channel of session errors. Reconnectable transport errors
// are reported here as they happen; the channel closing signals termination.
func (t *Transcriber) Errors() <-chan error { return t.errs }

// Done returns a channel closed when the Transcriber reaches StateClosed and
// all event channels have been closed.
func (t *Transcriber) Done() <-chan struct{} { return t.doneCh }

// DroppedFrames returns how many audio chunks were discarded because no
// session was Open when they arrived.
func (t *Transcriber) DroppedFrames() int64 { return t.dropped.Load() }

// Start transitions Idle → Connecting and begins the connect/pump/reconnect
// loop on a new goroutine. Calling Start more than once is an error.
func (t *Transcriber) Start(ctx context.Context) error {
	if !t.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return fmt.Errorf("session: start from state %s", t.State())
	}
	go t.run(ctx)
	return nil
}

// SendAudio forwards a PCM chunk to the live session. While the Transcriber is
// not Open the chunk is dropped and counted; SendAudio never blocks on the
// backend and never returns a transport error to the capture loop.
func (t *Transcriber) SendAudio(chunk []byte) {
	t.mu.Lock()
	sess := t.sess
	t.mu.Unlock()

	if sess == nil || t.State() != StateOpen {
		t.dropped.Add(1)
		return
	}
	if err := sess.SendAudio(chunk); err != nil {
		// The session can close between the state check and the send; the
		// reconnect loop will handle it.
		t.dropped.Add(1)
	}
}

// Stop terminates the Transcriber. The current backend session is closed, no
// reconnect is attempted, and the event channels are closed once the run loop
// exits. Stop is idempotent and safe to call from any state.
func (t *Transcriber) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		// Idle: the run loop never started, so finish termination here.
		if t.state.CompareAndSwap(int32(StateIdle), int32(StateClosed)) {
			close(t.partials)
			close(t.finals)
			close(t.errs)
			close(t.doneCh)
			return
		}
		t.mu.Lock()
		sess := t.sess
		t.mu.Unlock()
		if sess != nil {
			_ = sess.Close()
		}
	})
}

// run owns the connect → pump → backoff cycle until Stop, context end, or
// retry exhaustion.
func (t *Transcriber) run(ctx context.Context) {
	defer func() {
		t.state.Store(int32(StateClosed))
		close(t.partials)
		close(t.finals)
		close(t.errs)
		close(t.doneCh)
	}()

	retries := 0
	delay := t.initialBackoff

	for {
		if t.stopping(ctx) {
			return
		}
		t.state.Store(int32(StateConnecting))

		dialCtx, cancel := context.WithTimeout(ctx, t.connectTimeout)
		sess, err := t.provider.StartStream(dialCtx, t.streamCfg)
		cancel()

		if err != nil {
			if t.stopping(ctx) {
				return
			}
			retries++
			if retries > t.maxRetries {
				t.log.Error("transcription session: retries exhausted",
					"attempts", retries-1, "error", err)
				t.reportErr(fmt.Errorf("session: connect after %d attempts: %w", retries-1, err))
				return
			}
			t.log.Warn("transcription session: connect failed, retrying",
				"attempt", retries, "delay", delay, "error", err)
			t.reportErr(err)
			if !t.sleep(ctx, delay) {
				return
			}
			delay = min(delay*2, t.maxBackoff)
			continue
		}

		retries = 0
		delay = t.initialBackoff

		t.mu.Lock()
		t.sess = sess
		t.mu.Unlock()
		t.state.Store(int32(StateOpen))
		t.log.Info("transcription session open",
			"language", orAuto(t.streamCfg.Language),
			"sample_rate", t.streamCfg.SampleRate)

		t.pump(ctx, sess)

		t.mu.Lock()
		t.sess = nil
		t.mu.Unlock()
		_ = sess.Close()

		if t.stopping(ctx) {
			return
		}
		sessErr := sess.Err()
		if sessErr == nil {
			// Backend ended the stream cleanly; nothing to reconnect to.
			t.log.Info("transcription session ended by backend")
			return
		}
		t.log.Warn("transcription session lost, reconnecting", "error", sessErr)
		t.reportErr(sessErr)
	}
}

// pump forwards transcripts from one backend session until it terminates or
// the Transcriber is stopped.
func (t *Transcriber) pump(ctx context.Context, sess stt.SessionHandle) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-sess.Done():
			return
		case p, ok := <-sess.Partials():
			if !ok {
				return
			}
			select {
			case t.partials <- p:
			default:
				// Partials are transient UI feedback; shed under backpressure.
			}
		case f, ok := <-sess.Finals():
			if !ok {
				return
			}
			t.deliverFinal(ctx, f)
		}
	}
}

// deliverFinal forwards an authoritative transcript unless it repeats the
// previous one verbatim.
func (t *Transcriber) deliverFinal(ctx context.Context, f stt.Transcript) {
	text := strings.TrimSpace(f.Text)
	if text == "" {
		return
	}
	if text == t.lastFinalText {
		t.log.Debug("suppressed repeated final transcript", "text", text)
		return
	}
	t.lastFinalText = text

	select {
	case t.finals <- f:
	case <-ctx.Done():
	case <-t.stopCh:
	}
}

func (t *Transcriber) reportErr(err error) {
	select {
	case t.errs <- err:
	default:
	}
}

func (t *Transcriber) stopping(ctx context.Context) bool {
	select {
	case <-t.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return ctx.Err() != nil
	}
}

// sleep waits for d, returning false if the Transcriber stopped first.
func (t *Transcriber) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func orAuto(lang string) string {
	if lang == "" {
		return "auto"
	}
	return lang
}
