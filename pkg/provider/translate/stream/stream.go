// Package stream provides a translate.StreamProvider for backends that expose
// a combined translate+synthesize streaming session over WebSocket.
//
// Protocol: the client dials the endpoint, sends a JSON start request naming
// the language pair, the synthesis voice, and the desired audio format, then
// submits one JSON input message per translation request. The backend streams
// back JSON messages carrying incremental translated-text deltas and
// base64-encoded PCM audio deltas, each tagged with the request id from the
// input message, terminated by a final marker per request.
package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/babelroom/babelroom/pkg/provider/translate"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultSampleRate  = 24000
	chunkBuf           = 128
)

// Option is a functional option for the Provider.
type Option func(*Provider)

// WithDialTimeout bounds connection establishment. Default: 5s.
func WithDialTimeout(d time.Duration) Option {
	return func(p *Provider) { p.dialTimeout = d }
}

// WithSampleRate sets the synthesized audio sample rate requested in the
// start message. Default: 24000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// Provider implements translate.StreamProvider over a WebSocket backend.
type Provider struct {
	endpoint    string
	apiKey      string
	dialTimeout time.Duration
	sampleRate  int
}

// SampleRate reports the PCM sample rate of the audio chunks sessions from
// this provider emit.
func (p *Provider) SampleRate() int { return p.sampleRate }

// New creates a Provider for the given WebSocket endpoint.
func New(endpoint, apiKey string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("stream: endpoint must not be empty")
	}
	if apiKey == "" {
		return nil, errors.New("stream: apiKey must not be empty")
	}
	p := &Provider{
		endpoint:    endpoint,
		apiKey:      apiKey,
		dialTimeout: defaultDialTimeout,
		sampleRate:  defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// startMessage opens a session on the backend.
type startMessage struct {
	Type       string `json:"type"`
	SourceLang string `json:"source_language"`
	TargetLang string `json:"target_language"`
	Voice      string `json:"voice,omitempty"`
	EnableTTS  bool   `json:"enable_tts"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
}

// inputMessage submits one translation request.
type inputMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
}

// eventMessage is what the backend streams back.
type eventMessage struct {
	Type      string `json:"type"` // "delta", "audio", "final"
	RequestID string `json:"request_id"`
	Text      string `json:"text,omitempty"`
	Audio     string `json:"audio,omitempty"` // base64 PCM
}

// OpenSession implements translate.StreamProvider.
func (p *Provider) OpenSession(ctx context.Context, sourceLang, targetLang, voice string) (translate.StreamSession, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.apiKey)

	conn, _, err := websocket.Dial(dialCtx, p.endpoint, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("stream: dial: %w", err)
	}

	start := startMessage{
		Type:       "start",
		SourceLang: sourceLang,
		TargetLang: targetLang,
		Voice:      voice,
		EnableTTS:  true,
		Format:     "linear16",
		SampleRate: p.sampleRate,
	}
	data, _ := json.Marshal(start)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		conn.Close(websocket.StatusInternalError, "start send failed")
		return nil, fmt.Errorf("stream: send start: %w", err)
	}

	sess := &session{
		conn:   conn,
		chunks: make(chan translate.Chunk, chunkBuf),
		done:   make(chan struct{}),
	}
	// ctx bounds session establishment only. The read loop must survive a
	// caller releasing its connect deadline; Close ends the session.
	sess.wg.Add(1)
	go sess.readLoop(context.WithoutCancel(ctx))

	return sess, nil
}

// session is a live streaming session. It implements translate.StreamSession.
type session struct {
	conn   *websocket.Conn
	chunks chan translate.Chunk

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// Send implements translate.StreamSession.
func (s *session) Send(ctx context.Context, req translate.Request) error {
	select {
	case <-s.done:
		return errors.New("stream: session is closed")
	default:
	}
	if req.RequestID == "" {
		return errors.New("stream: RequestID must not be empty")
	}

	msg := inputMessage{
		Type:      "input",
		RequestID: req.RequestID,
		Text:      req.Text,
	}
	data, _ := json.Marshal(msg)
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("stream: send input: %w", err)
	}
	return nil
}

// Chunks implements translate.StreamSession.
func (s *session) Chunks() <-chan translate.Chunk { return s.chunks }

// Err implements translate.StreamSession.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close implements translate.StreamSession.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"finish"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// readLoop parses backend events into chunks. Malformed messages are skipped;
// a read error terminates the session.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.chunks)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					s.errMu.Lock()
					s.err = fmt.Errorf("stream: read: %w", err)
					s.errMu.Unlock()
				}
			}
			return
		}

		chunk, ok := parseEvent(msg)
		if !ok {
			continue
		}

		select {
		case s.chunks <- chunk:
		case <-s.done:
			return
		}
	}
}

// parseEvent parses one backend event into a Chunk. Events without a request
// id cannot be correlated and are dropped.
func parseEvent(data []byte) (translate.Chunk, bool) {
	var msg eventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return translate.Chunk{}, false
	}
	if msg.RequestID == "" {
		return translate.Chunk{}, false
	}

	switch msg.Type {
	case "delta":
		if msg.Text == "" {
			return translate.Chunk{}, false
		}
		return translate.Chunk{RequestID: msg.RequestID, TextDelta: msg.Text}, true
	case "audio":
		pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil || len(pcm) == 0 {
			return translate.Chunk{}, false
		}
		return translate.Chunk{RequestID: msg.RequestID, Audio: pcm}, true
	case "final":
		return translate.Chunk{RequestID: msg.RequestID, TextDelta: msg.Text, Final: true}, true
	default:
		return translate.Chunk{}, false
	}
}
