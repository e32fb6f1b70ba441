// Package wsstt provides an stt.Provider for JSON-over-WebSocket streaming
// transcription backends.
//
// The wire protocol is the common denominator of hosted streaming recognizers:
// the client dials a WebSocket endpoint with an Authorization header, sends a
// single JSON configuration message (language or auto-detect, encoding, sample
// rate, endpoint-detection flag), then streams raw audio as binary messages.
// The backend replies with JSON result messages carrying the transcript text,
// a final flag, and optionally a detected language, a speaker id, or an
// explicit end-of-utterance event. A JSON close message flushes pending audio
// on shutdown.
package wsstt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/babelroom/babelroom/pkg/provider/stt"
)

const (
	defaultEncoding    = "linear16"
	defaultSampleRate  = 16000
	defaultDialTimeout = 5 * time.Second

	// Channel depths. Audio is dropped, not buffered, when the write loop
	// falls behind; late frames are not worth queuing at sub-second latency
	// budgets.
	audioBuf      = 64
	transcriptBuf = 64
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithEncoding sets the audio encoding name sent in the configuration message
// (e.g., "linear16", "mulaw").
func WithEncoding(enc string) Option {
	return func(p *Provider) { p.encoding = enc }
}

// WithDialTimeout bounds connection establishment. After the timeout the dial
// fails rather than waiting indefinitely. Default: 5s.
func WithDialTimeout(d time.Duration) Option {
	return func(p *Provider) { p.dialTimeout = d }
}

// WithAuthScheme sets the Authorization header scheme (default "Token").
func WithAuthScheme(scheme string) Option {
	return func(p *Provider) { p.authScheme = scheme }
}

// Provider implements stt.Provider against a JSON-over-WebSocket backend.
type Provider struct {
	endpoint    string
	apiKey      string
	encoding    string
	authScheme  string
	dialTimeout time.Duration
}

// New creates a Provider for the given WebSocket endpoint. endpoint and apiKey
// must be non-empty; a missing key is a configuration error reported to the
// caller, never retried.
func New(endpoint, apiKey string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("wsstt: endpoint must not be empty")
	}
	if apiKey == "" {
		return nil, errors.New("wsstt: apiKey must not be empty")
	}
	p := &Provider{
		endpoint:    endpoint,
		apiKey:      apiKey,
		encoding:    defaultEncoding,
		authScheme:  "Token",
		dialTimeout: defaultDialTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream implements stt.Provider. It dials the backend, sends the
// one-time configuration message, and starts the read and write loops.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	headers := http.Header{}
	headers.Set("Authorization", p.authScheme+" "+p.apiKey)

	conn, _, err := websocket.Dial(dialCtx, p.endpoint, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("wsstt: dial: %w", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, buildConfigMessage(cfg, p.encoding)); err != nil {
		conn.Close(websocket.StatusInternalError, "config send failed")
		return nil, fmt.Errorf("wsstt: send config: %w", err)
	}

	sess := &session{
		conn:     conn,
		partials: make(chan stt.Transcript, transcriptBuf),
		finals:   make(chan stt.Transcript, transcriptBuf),
		audio:    make(chan []byte, audioBuf),
		done:     make(chan struct{}),
	}

	// ctx bounds session establishment only; callers routinely pass a context
	// carrying a connect deadline and release it once StartStream returns. The
	// session's lifetime is governed by Close and the connection itself.
	sessCtx := context.WithoutCancel(ctx)
	sess.wg.Add(2)
	go sess.readLoop(sessCtx)
	go sess.writeLoop(sessCtx)

	return sess, nil
}

// configMessage is the one-time JSON configuration frame sent after dialing.
type configMessage struct {
	Type              string `json:"type"`
	Encoding          string `json:"encoding"`
	SampleRate        int    `json:"sample_rate"`
	Channels          int    `json:"channels,omitempty"`
	Language          string `json:"language,omitempty"`
	DetectLanguage    bool   `json:"detect_language,omitempty"`
	EndpointDetection bool   `json:"endpoint_detection,omitempty"`
}

// buildConfigMessage serializes the session configuration frame. An empty
// cfg.Language requests backend-side language detection.
func buildConfigMessage(cfg stt.StreamConfig, encoding string) []byte {
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	msg := configMessage{
		Type:              "configure",
		Encoding:          encoding,
		SampleRate:        sr,
		Channels:          cfg.Channels,
		Language:          cfg.Language,
		DetectLanguage:    cfg.Language == "",
		EndpointDetection: cfg.EndpointDetection,
	}
	data, _ := json.Marshal(msg)
	return data
}

// ---- session ----

// resultMessage is the JSON structure the backend emits per recognition event.
type resultMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	IsFinal   bool   `json:"is_final"`
	Language  string `json:"language,omitempty"`
	SpeakerID string `json:"speaker_id,omitempty"`
}

// session is a live streaming session. It implements stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	partials chan stt.Transcript
	finals   chan stt.Transcript
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// SendAudio implements stt.SessionHandle. The chunk is dropped when the write
// loop's buffer is full.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
	default:
		// Write loop is behind; drop rather than block the capture loop.
	}
	return nil
}

// Partials implements stt.SessionHandle.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals implements stt.SessionHandle.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Done implements stt.SessionHandle.
func (s *session) Done() <-chan struct{} { return s.done }

// Err implements stt.SessionHandle.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close implements stt.SessionHandle.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Ask the backend to flush pending audio before the connection drops.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"close"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// setErr records the terminal error once. Later errors are discarded.
func (s *session) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// closeFromReadLoop marks the session terminated after a backend-side
// disconnect, without sending the close message on a dead connection.
func (s *session) closeFromReadLoop() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "")
	})
}

// writeLoop forwards audio chunks to the backend as binary messages.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			// Flush whatever is still queued.
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives backend messages and dispatches transcripts. Malformed
// payloads are discarded (a protocol error kills the message, not the
// connection); a read error terminates the session with a transport error
// unless it was a normal close.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				// Close was requested; this is the normal shutdown path.
			default:
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					s.setErr(fmt.Errorf("wsstt: read: %w", err))
				}
				s.closeFromReadLoop()
			}
			return
		}

		t, ok := parseResult(msg)
		if !ok {
			continue
		}

		out := s.partials
		if t.IsFinal {
			out = s.finals
		}
		select {
		case out <- t:
		case <-s.done:
		default:
			// Consumer is behind; a stale partial is worthless, and a final
			// stuck behind a dead consumer must not wedge the read loop.
		}
	}
}

// parseResult parses a raw backend message into a Transcript. It returns
// ok=false for messages that should be ignored: malformed JSON, non-result
// event types, and empty transcripts.
//
// An explicit "end_of_utterance" event is mapped to a final transcript so
// backends with server-side endpoint detection and backends that only set
// is_final converge on the same session behavior.
func parseResult(data []byte) (stt.Transcript, bool) {
	var msg resultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return stt.Transcript{}, false
	}

	switch msg.Type {
	case "result":
	case "end_of_utterance":
		msg.IsFinal = true
	default:
		return stt.Transcript{}, false
	}

	if msg.Text == "" {
		return stt.Transcript{}, false
	}

	return stt.Transcript{
		Text:             msg.Text,
		IsFinal:          msg.IsFinal,
		DetectedLanguage: msg.Language,
		SpeakerID:        msg.SpeakerID,
	}, true
}
